// CallPilot - terminal watcher for one live call
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/livecall"
	"github.com/fixfirsthq/callpilot/internal/transcript"
)

const defaultAddr = "http://localhost:8080"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("callwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("CALLPILOT_ADDR", defaultAddr), "hub address")
	interim := fs.Bool("interim", false, "print interim caption lines, not just final ones")
	quiet := fs.Bool("quiet", false, "suppress caption lines, print journey changes only")
	redial := fs.Duration("redial", 2*time.Second, "reconnect delay, 0 disables redialing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "callwatch requires <call_id>")
		fs.Usage()
		return 2
	}
	callID := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan string, 1)

	view, err := livecall.NewView(livecall.ViewConfig{
		CallID:      callID,
		BaseURL:     *addr,
		RedialDelay: *redial,
		Hooks: livecall.Hooks{
			OnChange: func(s *journey.CallSession) {
				fmt.Fprintln(stdout, renderSession(s))
			},
			OnConnection: func(up bool) {
				if up {
					fmt.Fprintln(stderr, "# live channel up")
				} else {
					fmt.Fprintln(stderr, "# live channel down")
				}
			},
			OnEnded: func(reason string) {
				select {
				case done <- reason:
				default:
				}
			},
			OnCallError: func(code, message string) {
				fmt.Fprintf(stderr, "# call error %s: %s\n", code, message)
			},
			OnTranscript: func(line transcript.Line) {
				if *quiet || (!line.Final && !*interim) {
					return
				}
				fmt.Fprintln(stdout, renderLine(line))
			},
		},
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	if err := view.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "connect to %s failed: %v\n", *addr, err)
		return 1
	}
	defer view.Close()

	select {
	case reason := <-done:
		if reason == "" {
			reason = "ended"
		}
		fmt.Fprintln(stdout, "call over:", reason)
		return 0
	case <-ctx.Done():
		return 0
	}
}

// renderSession prints one journey line per state change, the same
// fields a dashboard header shows.
func renderSession(s *journey.CallSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "station=%s", s.CurrentStation)
	if s.DetectedSegment != nil {
		fmt.Fprintf(&b, " segment=%s(%d)", *s.DetectedSegment, s.SegmentConfidence)
	}
	if s.IsQualified != nil {
		fmt.Fprintf(&b, " qualified=%t", *s.IsQualified)
	}
	if n := len(s.DetectedJobs); n > 0 {
		fmt.Fprintf(&b, " jobs=%d", n)
	}
	if s.RecommendedDestination != nil {
		fmt.Fprintf(&b, " rec=%s", *s.RecommendedDestination)
	}
	if s.SelectedDestination != nil {
		fmt.Fprintf(&b, " dest=%s", *s.SelectedDestination)
	}
	return b.String()
}

func renderLine(l transcript.Line) string {
	marker := ""
	if !l.Final {
		marker = " (interim)"
	}
	return fmt.Sprintf("%s [%s] %s%s", l.At.Format("15:04:05"), l.Speaker, l.Text, marker)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
