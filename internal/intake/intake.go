// Package intake feeds analyzer events from the message bus into the
// session service.
package intake

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/fixfirsthq/callpilot/internal/bus"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

// Sink consumes decoded analyzer events. The hub's session service
// implements it.
type Sink interface {
	Ingest(ctx context.Context, ev stream.Event)
}

// Listener decodes analyzer traffic from the bus and hands it to a
// sink. Malformed payloads are counted and dropped so one bad
// publisher cannot stall the feed.
type Listener struct {
	sink    Sink
	logger  *slog.Logger
	dropped atomic.Uint64
}

func NewListener(sink Sink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{sink: sink, logger: logger}
}

// Start subscribes the listener to all live call subjects.
func (l *Listener) Start(busClient *bus.Client) error {
	return busClient.Subscribe(bus.SubjectLiveEvents, l.HandleLiveEvent)
}

// HandleLiveEvent is the bus handler for calls.live.>. The call id
// inside the envelope is authoritative; a subject that disagrees is
// logged but the event is still applied.
func (l *Listener) HandleLiveEvent(subject string, data []byte) {
	ctx := context.Background()

	ev, err := stream.Decode(data)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Warn("Dropping undecodable analyzer event", "error", err, "subject", subject)
		return
	}

	if callID := callFromSubject(subject); callID != "" && callID != ev.Call() {
		l.logger.Warn("Analyzer event names a different call than its subject",
			"subject", subject,
			"call_id", ev.Call())
	}

	l.sink.Ingest(ctx, ev)
}

// Dropped reports how many payloads failed to decode since start.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

func callFromSubject(subject string) string {
	rest, ok := strings.CutPrefix(subject, bus.SubjectLivePrefix)
	if !ok {
		return ""
	}
	return rest
}
