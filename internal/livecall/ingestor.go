package livecall

import (
	"log/slog"
	"sync/atomic"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
	"github.com/fixfirsthq/callpilot/internal/transcript"
)

// Ingestor applies live-channel events to the session store.
//
// It assumes the transport delivers events in order and applies them
// as they arrive; there is no reordering, buffering, or sequence
// numbering. Last write wins. Running the ingestor over a channel
// that can reorder messages breaks the state guarantees.
//
// A frame for a different call than the bound one is dropped without
// touching the store; that check is what lets a dashboard reuse its
// socket handling across calls without cross-call contamination.
type Ingestor struct {
	store   *journey.Store
	hooks   Hooks
	dropped atomic.Uint64
}

// NewIngestor binds an ingestor to a store. The hooks receive the
// events that carry no state change (ended, error, transcript).
func NewIngestor(store *journey.Store, hooks Hooks) *Ingestor {
	return &Ingestor{store: store, hooks: hooks}
}

// HandleRaw decodes one frame and applies it. Undecodable frames are
// logged and dropped; a bad frame never takes the loop down.
func (in *Ingestor) HandleRaw(raw []byte) {
	ev, err := stream.Decode(raw)
	if err != nil {
		in.dropped.Add(1)
		slog.Warn("Dropping undecodable frame", "error", err, "call_id", in.store.CallID())
		return
	}
	in.Handle(ev)
}

// Handle applies one decoded event.
func (in *Ingestor) Handle(ev stream.Event) {
	if ev.Call() != in.store.CallID() {
		in.dropped.Add(1)
		slog.Debug("Dropping event for other call", "event_call_id", ev.Call(), "call_id", in.store.CallID(), "type", ev.Kind())
		return
	}

	switch e := ev.(type) {
	case stream.SessionStarted:
		slog.Info("Session started", "call_id", e.Call())
		in.store.Apply(journey.Update{Reset: true})

	case stream.StationUpdate:
		in.store.Apply(journey.Update{Station: &journey.StationChange{
			Current:     e.CurrentStation,
			Completed:   e.CompletedStations,
			Recommended: e.RecommendedDestination,
		}})

	case stream.SegmentDetected:
		in.store.Apply(journey.Update{Segment: &journey.SegmentChange{
			Segment:    e.Segment,
			Confidence: e.Confidence,
			Options:    e.RankedOptions(),
		}})

	case stream.SegmentConfirmed:
		// A confirmed segment is maximally trusted.
		in.store.Apply(journey.Update{Segment: &journey.SegmentChange{
			Segment:    e.Segment,
			Confidence: 100,
			Options:    journey.ConfirmOptions(in.store.Snapshot().SegmentOptions, e.Segment),
		}})

	case stream.InfoCaptured:
		info := e.CapturedInfo
		in.store.Apply(journey.Update{Captured: &info})

	case stream.QualifiedSet:
		qualified := e.Qualified
		in.store.Apply(journey.Update{Qualified: &qualified})

	case stream.DestinationSelected:
		dest := e.Destination
		in.store.Apply(journey.Update{Selected: &dest})

	case stream.JobDetected:
		job := e.Job
		if job.ID == "" {
			job.ID = journey.JobID(job.Description)
		}
		in.store.Apply(journey.Update{Jobs: []journey.JobDetection{job}})

	case stream.TranscriptSegment:
		in.hooks.transcriptLine(transcript.Line{
			Speaker: e.Speaker,
			Text:    e.Text,
			Final:   e.Final,
			At:      e.At,
		})

	case stream.SessionEnded:
		slog.Info("Session ended", "call_id", e.Call(), "reason", e.Reason)
		in.hooks.ended(e.Reason)

	case stream.ErrorEvent:
		slog.Warn("Server reported call error", "call_id", e.Call(), "code", e.Code, "message", e.Message)
		in.hooks.callError(e.Code, e.Message)

	default:
		in.dropped.Add(1)
		slog.Warn("Dropping event of unhandled kind", "type", ev.Kind())
	}
}

// Dropped returns the number of frames discarded for being
// undecodable, addressed to another call, or of unhandled kind.
func (in *Ingestor) Dropped() uint64 {
	return in.dropped.Load()
}
