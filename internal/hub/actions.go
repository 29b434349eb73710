package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

// ConfirmStation advances the funnel past the current station: the
// current station joins the completed set, the next becomes current,
// and the recommendation is recomputed for the advanced state. A
// payload naming a station that is no longer current is a stale view
// and is refused.
func (s *Sessions) ConfirmStation(ctx context.Context, callID string, p stream.ConfirmStationPayload) (*stream.SessionState, error) {
	ls, err := s.liveFor(ctx, callID)
	if err != nil {
		return nil, err
	}

	snap := ls.store.Snapshot()
	if p.Station != "" && p.Station != snap.CurrentStation {
		return nil, fmt.Errorf("%w: confirmed %s, current is %s", ErrStationMismatch, p.Station, snap.CurrentStation)
	}
	next, ok := snap.CurrentStation.Next()
	if !ok {
		return nil, ErrFunnelComplete
	}

	completed := snap.CompletedStations
	if !containsStation(completed, snap.CurrentStation) {
		completed = append(completed, snap.CurrentStation)
	}
	ls.store.Apply(journey.Update{Station: &journey.StationChange{
		Current:     next,
		Completed:   completed,
		Recommended: snap.RecommendedDestination,
	}})
	s.refreshRecommendation(ls)

	s.touch(ls)
	s.persist(ctx, ls)
	frame := stationFrame(ls.store.Snapshot())
	s.journal(ctx, frame)
	s.push(frame)

	slog.Info("Station confirmed", "call_id", callID, "station", snap.CurrentStation, "next", next)
	return s.currentState(ls), nil
}

// SelectSegment confirms a customer segment on the agent's authority:
// confidence goes to 100, the candidate list re-ranks around the
// confirmed segment, and the downstream qualification and destination
// choices reset since they were made for the old segment.
func (s *Sessions) SelectSegment(ctx context.Context, callID string, p stream.SelectSegmentPayload) (*stream.SessionState, error) {
	ls, err := s.liveFor(ctx, callID)
	if err != nil {
		return nil, err
	}

	snap := ls.store.Snapshot()
	ls.store.Apply(journey.Update{
		Segment: &journey.SegmentChange{
			Segment:    p.Segment,
			Confidence: 100,
			Options:    journey.ConfirmOptions(snap.SegmentOptions, p.Segment),
		},
		ClearQualified: true,
		ClearSelected:  true,
	})
	recChanged := s.refreshRecommendation(ls)

	s.touch(ls)
	s.persist(ctx, ls)
	ev := stream.SegmentConfirmed{Meta: stream.Meta{CallID: callID}, Segment: p.Segment}
	s.journal(ctx, ev)
	s.push(ev)
	if recChanged {
		frame := stationFrame(ls.store.Snapshot())
		s.journal(ctx, frame)
		s.push(frame)
	}

	slog.Info("Segment confirmed by agent", "call_id", callID, "segment", p.Segment)
	return s.currentState(ls), nil
}

// SetQualified records the qualification outcome.
func (s *Sessions) SetQualified(ctx context.Context, callID string, p stream.SetQualifiedPayload) (*stream.SessionState, error) {
	ls, err := s.liveFor(ctx, callID)
	if err != nil {
		return nil, err
	}

	ls.store.Apply(journey.Update{Qualified: p.Qualified})
	recChanged := s.refreshRecommendation(ls)

	s.touch(ls)
	s.persist(ctx, ls)
	ev := stream.QualifiedSet{Meta: stream.Meta{CallID: callID}, Qualified: *p.Qualified}
	s.journal(ctx, ev)
	s.push(ev)
	if recChanged {
		frame := stationFrame(ls.store.Snapshot())
		s.journal(ctx, frame)
		s.push(frame)
	}

	slog.Info("Qualification set", "call_id", callID, "qualified", *p.Qualified)
	return s.currentState(ls), nil
}

// SelectDestination records the agent's destination choice. Selection
// never touches the recommendation; the two live side by side.
func (s *Sessions) SelectDestination(ctx context.Context, callID string, p stream.SelectDestinationPayload) (*stream.SessionState, error) {
	ls, err := s.liveFor(ctx, callID)
	if err != nil {
		return nil, err
	}

	dest := p.Destination
	ls.store.Apply(journey.Update{Selected: &dest})

	s.touch(ls)
	s.persist(ctx, ls)
	ev := stream.DestinationSelected{Meta: stream.Meta{CallID: callID}, Destination: p.Destination}
	s.journal(ctx, ev)
	s.push(ev)

	slog.Info("Destination selected", "call_id", callID, "destination", p.Destination)
	return s.currentState(ls), nil
}

func containsStation(stations []journey.Station, target journey.Station) bool {
	for _, st := range stations {
		if st == target {
			return true
		}
	}
	return false
}
