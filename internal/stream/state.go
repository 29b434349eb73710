package stream

import (
	"github.com/fixfirsthq/callpilot/internal/journey"
)

// Session lifecycle statuses reported by the snapshot endpoint.
const (
	StatusInProgress = "in_progress"
	StatusEnded      = "ended"
	StatusAbandoned  = "abandoned"
)

// SessionState is the snapshot the hub serves: the full call session
// plus its lifecycle status. SegmentSignals is the flat signal list
// kept for dashboards that predate ranked options; when the snapshot
// carries no options, clients rebuild a single-entry list from it.
type SessionState struct {
	journey.CallSession
	Status         string   `json:"status"`
	SegmentSignals []string `json:"segmentSignals,omitempty"`
}

// InProgress reports whether the session is still live.
func (s *SessionState) InProgress() bool {
	return s.Status == StatusInProgress
}

// Options returns the ranked segment options, reconstructing a
// single-entry list from the primary segment and flat signals when
// the snapshot carries none.
func (s *SessionState) Options() []journey.SegmentOption {
	if len(s.SegmentOptions) > 0 {
		return s.SegmentOptions
	}
	if s.DetectedSegment == nil {
		return nil
	}
	return []journey.SegmentOption{{
		Segment:    *s.DetectedSegment,
		Confidence: s.SegmentConfidence,
		Signals:    append([]string(nil), s.SegmentSignals...),
	}}
}

// Session converts the wire snapshot into a session value suitable
// for seeding a store.
func (s *SessionState) Session() *journey.CallSession {
	sess := s.CallSession.Clone()
	sess.SegmentOptions = s.Options()
	if sess.SegmentOptions == nil {
		sess.SegmentOptions = []journey.SegmentOption{}
	}
	return sess
}

// Update converts the snapshot into the partial update an action
// response applies. Groups the snapshot does not carry a value for
// are left out entirely, so applying the update never knocks an
// already-known field back to unknown.
func (s *SessionState) Update() journey.Update {
	captured := s.CapturedInfo
	u := journey.Update{
		Station: &journey.StationChange{
			Current:     s.CurrentStation,
			Completed:   s.CompletedStations,
			Recommended: s.RecommendedDestination,
		},
		Captured: &captured,
		Jobs:     s.DetectedJobs,
	}
	if s.DetectedSegment != nil {
		u.Segment = &journey.SegmentChange{
			Segment:    *s.DetectedSegment,
			Confidence: s.SegmentConfidence,
			Options:    s.Options(),
		}
	}
	if s.IsQualified != nil {
		u.Qualified = s.IsQualified
	}
	if s.SelectedDestination != nil {
		u.Selected = s.SelectedDestination
	}
	return u
}
