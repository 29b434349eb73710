// Package hub is the authoritative session service: it owns the
// canonical journey state of every live call, applies analyzer events
// and agent actions to it, persists the result, and pushes event
// envelopes to subscribed dashboards.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fixfirsthq/callpilot/internal/bus"
	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/store"
	"github.com/fixfirsthq/callpilot/internal/stream"
	"github.com/fixfirsthq/callpilot/internal/transcript"
)

var (
	// ErrUnknownSession rejects a request for a call the hub has never seen.
	ErrUnknownSession = errors.New("unknown call session")

	// ErrSessionEnded rejects an action on a finished call.
	ErrSessionEnded = errors.New("session already ended")

	// ErrStationMismatch rejects a confirmation naming a station that is
	// no longer current.
	ErrStationMismatch = errors.New("station no longer current")

	// ErrFunnelComplete rejects advancing past the final station.
	ErrFunnelComplete = errors.New("already at final station")
)

// JourneyStart is the bus signal published when a call session opens.
type JourneyStart struct {
	CallID    string    `json:"callId"`
	StartedAt time.Time `json:"startedAt"`
}

// JourneyOutcome is the bus signal published when a call session
// finishes, carrying the final journey facts for booking and analytics
// consumers.
type JourneyOutcome struct {
	CallID      string                 `json:"callId"`
	Status      string                 `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	Segment     *journey.Segment       `json:"detectedSegment,omitempty"`
	Qualified   *bool                  `json:"isQualified,omitempty"`
	Destination *journey.Destination   `json:"selectedDestination,omitempty"`
	Jobs        []journey.JobDetection `json:"detectedJobs,omitempty"`
	StartedAt   time.Time              `json:"startedAt,omitzero"`
	EndedAt     time.Time              `json:"endedAt"`
}

// SessionSummary is one row of the desk overview.
type SessionSummary struct {
	CallID                 string               `json:"callId"`
	CurrentStation         journey.Station      `json:"currentStation"`
	DetectedSegment        *journey.Segment     `json:"detectedSegment,omitempty"`
	IsQualified            *bool                `json:"isQualified,omitempty"`
	RecommendedDestination *journey.Destination `json:"recommendedDestination,omitempty"`
	StartedAt              time.Time            `json:"startedAt"`
	LastEventAt            time.Time            `json:"lastEventAt"`
	Dashboards             int                  `json:"dashboards"`
}

// liveSession is the in-memory state of one in-progress call. The
// journey store serializes its own mutations; startedAt is fixed at
// open; lastEvent is guarded by Sessions.mu.
type liveSession struct {
	store      *journey.Store
	transcript *transcript.Ring
	startedAt  time.Time
	lastEvent  time.Time
}

// Sessions manages the live call sessions: the in-memory map, the
// write-through persistence, the dashboard broadcasts, and the outcome
// signals on the message bus.
type Sessions struct {
	mu   sync.RWMutex
	live map[string]*liveSession

	repo     store.Repository
	registry *Registry
	bus      *bus.Client
	ringCap  int

	regressions atomic.Uint64
}

// NewSessions creates the session manager. busClient may be nil when
// the deployment runs without a message bus; outcome signals are then
// skipped.
func NewSessions(repo store.Repository, registry *Registry, busClient *bus.Client, ringCapacity int) *Sessions {
	return &Sessions{
		live:     make(map[string]*liveSession),
		repo:     repo,
		registry: registry,
		bus:      busClient,
		ringCap:  ringCapacity,
	}
}

// Ingest applies one analyzer event. Events that cannot be applied are
// logged and dropped; the caller's receive loop never sees an error.
func (s *Sessions) Ingest(ctx context.Context, ev stream.Event) {
	switch e := ev.(type) {
	case stream.SessionStarted:
		s.startSession(ctx, e)
		return
	case stream.SessionEnded:
		s.finishCall(ctx, e.Call(), stream.StatusEnded, e.Reason)
		return
	case stream.ErrorEvent:
		slog.Warn("Analyzer reported call error", "call_id", e.Call(), "code", e.Code, "message", e.Message)
		s.journal(ctx, e)
		s.push(e)
		return
	}

	ls := s.lookup(ev.Call())
	if ls == nil {
		var ok bool
		ls, ok = s.resume(ctx, ev.Call())
		if !ok {
			return
		}
	}
	s.apply(ctx, ls, ev)
}

// startSession opens a session for an announced call. A repeated start
// for a call already live resets it; the analyzer restarting a call is
// the one legitimate reset.
func (s *Sessions) startSession(ctx context.Context, e stream.SessionStarted) {
	callID := e.Call()
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	ls, created := s.open(callID, startedAt)
	if created {
		slog.Info("Session started", "call_id", callID)
	} else {
		slog.Info("Session restarted, resetting state", "call_id", callID)
		ls.store.Apply(journey.Update{Reset: true})
		ls.transcript.Reset()
	}

	s.touch(ls)
	s.persist(ctx, ls)
	s.journal(ctx, e)
	s.push(e)
	if created {
		s.announce(bus.SubjectJourneyStarted, JourneyStart{CallID: callID, StartedAt: startedAt})
	}
}

// resume reopens a session the hub does not hold live: a hub restart,
// or an analyzer publishing before its session_started reached us. An
// explicitly ended call stays ended; stray late events must not
// resurrect it.
func (s *Sessions) resume(ctx context.Context, callID string) (*liveSession, bool) {
	rec, err := s.repo.GetSession(ctx, callID)
	if err != nil {
		slog.Warn("Look up session record, opening fresh", "error", err, "call_id", callID)
	}
	if rec != nil && rec.Status == stream.StatusEnded {
		slog.Debug("Dropping event for ended call", "call_id", callID)
		return nil, false
	}

	slog.Warn("Opening session implicitly", "call_id", callID)
	startedAt := time.Now()
	if rec != nil {
		startedAt = rec.StartedAt
	}

	ls, created := s.open(callID, startedAt)
	if created && rec != nil && rec.State != nil {
		ls.store.Seed(rec.State, 0)
	}
	if created && rec == nil {
		s.announce(bus.SubjectJourneyStarted, JourneyStart{CallID: callID, StartedAt: startedAt})
	}
	return ls, true
}

// apply handles the state-bearing event kinds for a live session.
func (s *Sessions) apply(ctx context.Context, ls *liveSession, ev stream.Event) {
	switch e := ev.(type) {
	case stream.StationUpdate:
		snap := ls.store.Snapshot()
		if !e.CurrentStation.Valid() {
			slog.Warn("Dropping station update with unknown station", "call_id", ev.Call(), "station", e.CurrentStation)
			return
		}
		if e.CurrentStation.Index() < snap.CurrentStation.Index() {
			s.regressions.Add(1)
			slog.Warn("Refusing station regression", "call_id", ev.Call(), "from", snap.CurrentStation, "to", e.CurrentStation)
			return
		}
		ls.store.Apply(journey.Update{Station: &journey.StationChange{
			Current:     e.CurrentStation,
			Completed:   e.CompletedStations,
			Recommended: e.RecommendedDestination,
		}})

	case stream.SegmentDetected:
		ls.store.Apply(journey.Update{Segment: &journey.SegmentChange{
			Segment:    e.Segment,
			Confidence: e.Confidence,
			Options:    e.RankedOptions(),
		}})

	case stream.SegmentConfirmed:
		ls.store.Apply(journey.Update{Segment: &journey.SegmentChange{
			Segment:    e.Segment,
			Confidence: 100,
			Options:    journey.ConfirmOptions(ls.store.Snapshot().SegmentOptions, e.Segment),
		}})

	case stream.InfoCaptured:
		info := e.CapturedInfo
		ls.store.Apply(journey.Update{Captured: &info})

	case stream.QualifiedSet:
		qualified := e.Qualified
		ls.store.Apply(journey.Update{Qualified: &qualified})

	case stream.DestinationSelected:
		dest := e.Destination
		ls.store.Apply(journey.Update{Selected: &dest})

	case stream.JobDetected:
		job := e.Job
		if job.ID == "" {
			job.ID = journey.JobID(job.Description)
		}
		ls.store.Apply(journey.Update{Jobs: []journey.JobDetection{job}})

	case stream.TranscriptSegment:
		line := transcript.Line{Speaker: e.Speaker, Text: e.Text, Final: e.Final, At: e.At}
		if line.At.IsZero() {
			line.At = time.Now()
		}
		ls.transcript.Append(line)
		s.touch(ls)
		s.journal(ctx, ev)
		s.push(ev)
		return

	default:
		slog.Warn("Dropping event of unhandled kind", "type", ev.Kind())
		return
	}

	s.touch(ls)
	recChanged := s.refreshRecommendation(ls)
	s.persist(ctx, ls)
	s.journal(ctx, ev)
	s.push(ev)
	if recChanged {
		frame := stationFrame(ls.store.Snapshot())
		s.journal(ctx, frame)
		s.push(frame)
	}
}

// finishCall tears a session down: marks the record finished, tells
// the dashboards, closes their connections, and publishes the outcome.
// Shared by the analyzer's session_ended and the janitor's eviction.
func (s *Sessions) finishCall(ctx context.Context, callID, status, reason string) {
	s.mu.Lock()
	ls := s.live[callID]
	delete(s.live, callID)
	s.mu.Unlock()

	endedAt := time.Now()
	if err := s.repo.EndSession(ctx, callID, status, endedAt); err != nil {
		slog.Error("Mark session finished", "error", err, "call_id", callID, "status", status)
	}

	ev := stream.SessionEnded{Meta: stream.Meta{CallID: callID}, Reason: reason}
	s.journal(ctx, ev)
	s.push(ev)
	s.registry.CloseCall(callID)

	outcome := JourneyOutcome{CallID: callID, Status: status, Reason: reason, EndedAt: endedAt}
	if ls != nil {
		snap := ls.store.Snapshot()
		outcome.Segment = snap.DetectedSegment
		outcome.Qualified = snap.IsQualified
		outcome.Destination = snap.SelectedDestination
		outcome.Jobs = snap.DetectedJobs
		outcome.StartedAt = ls.startedAt
	}
	s.announce(bus.SubjectJourneyCompleted, outcome)

	slog.Info("Session finished", "call_id", callID, "status", status, "reason", reason)
}

// State returns the session snapshot for a call: the live state when
// the call is in progress, otherwise the durable record.
func (s *Sessions) State(ctx context.Context, callID string) (*stream.SessionState, error) {
	if ls := s.lookup(callID); ls != nil {
		return sessionState(ls.store.Snapshot(), stream.StatusInProgress), nil
	}

	rec, err := s.repo.GetSession(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec == nil || rec.State == nil {
		return nil, ErrUnknownSession
	}
	return sessionState(rec.State, rec.Status), nil
}

// Transcript returns the buffered caption lines of a live call,
// oldest first. The ring is a live side feed; a finished call has none.
func (s *Sessions) Transcript(callID string) ([]transcript.Line, error) {
	ls := s.lookup(callID)
	if ls == nil {
		return nil, ErrUnknownSession
	}
	return ls.transcript.Snapshot(), nil
}

// Summaries returns one row per live session for the desk overview,
// ordered by call start.
func (s *Sessions) Summaries() []SessionSummary {
	s.mu.RLock()
	out := make([]SessionSummary, 0, len(s.live))
	for callID, ls := range s.live {
		snap := ls.store.Snapshot()
		out = append(out, SessionSummary{
			CallID:                 callID,
			CurrentStation:         snap.CurrentStation,
			DetectedSegment:        snap.DetectedSegment,
			IsQualified:            snap.IsQualified,
			RecommendedDestination: snap.RecommendedDestination,
			StartedAt:              ls.startedAt,
			LastEventAt:            ls.lastEvent,
		})
	}
	s.mu.RUnlock()

	for i := range out {
		out[i].Dashboards = s.registry.Count(out[i].CallID)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// EvictIdle finishes live sessions without any event for idleAfter,
// marking them abandoned. Returns the number evicted.
func (s *Sessions) EvictIdle(ctx context.Context, idleAfter time.Duration) int {
	cutoff := time.Now().Add(-idleAfter)

	s.mu.RLock()
	var expired []string
	for callID, ls := range s.live {
		if ls.lastEvent.Before(cutoff) {
			expired = append(expired, callID)
		}
	}
	s.mu.RUnlock()

	for _, callID := range expired {
		slog.Info("Evicting idle session", "call_id", callID)
		s.finishCall(ctx, callID, stream.StatusAbandoned, "inactivity")
	}
	return len(expired)
}

// AbandonStale marks in-progress records without a live session
// abandoned. Run at boot, it settles the rows a previous process left
// behind; a call that is in fact still running reopens on its next
// analyzer event.
func (s *Sessions) AbandonStale(ctx context.Context) (int, error) {
	recs, err := s.repo.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	stale := 0
	now := time.Now()
	for _, rec := range recs {
		if s.lookup(rec.CallID) != nil {
			continue
		}
		if err := s.repo.EndSession(ctx, rec.CallID, stream.StatusAbandoned, now); err != nil {
			slog.Error("Abandon stale session", "error", err, "call_id", rec.CallID)
			continue
		}
		stale++
	}
	return stale, nil
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Regressions returns the number of station updates refused for moving
// the funnel backwards.
func (s *Sessions) Regressions() uint64 {
	return s.regressions.Load()
}

// Ping verifies the backing store is reachable.
func (s *Sessions) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// BusConnected reports the message bus state; enabled says whether a
// bus is configured at all.
func (s *Sessions) BusConnected() (connected, enabled bool) {
	if s.bus == nil {
		return false, false
	}
	return s.bus.Connected(), true
}

func (s *Sessions) lookup(callID string) *liveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[callID]
}

// open returns the live session for a call, creating it when absent.
// The second return reports whether this call created it.
func (s *Sessions) open(callID string, startedAt time.Time) (*liveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ls, ok := s.live[callID]; ok {
		return ls, false
	}
	ls := &liveSession{
		store:      journey.NewStore(callID),
		transcript: transcript.NewRing(s.ringCap),
		startedAt:  startedAt,
		lastEvent:  time.Now(),
	}
	s.live[callID] = ls
	return ls, true
}

func (s *Sessions) touch(ls *liveSession) {
	s.mu.Lock()
	ls.lastEvent = time.Now()
	s.mu.Unlock()
}

// liveFor resolves the live session an action targets. An in-progress
// record without a live session reopens from the store, so agent
// actions keep working across a hub restart.
func (s *Sessions) liveFor(ctx context.Context, callID string) (*liveSession, error) {
	if ls := s.lookup(callID); ls != nil {
		return ls, nil
	}

	rec, err := s.repo.GetSession(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		return nil, ErrUnknownSession
	}
	if rec.Status != stream.StatusInProgress {
		return nil, ErrSessionEnded
	}

	ls, created := s.open(callID, rec.StartedAt)
	if created && rec.State != nil {
		ls.store.Seed(rec.State, 0)
	}
	return ls, nil
}

// refreshRecommendation recomputes the destination heuristic and
// stores it when it moved. Callers that announce state changes
// broadcast the refreshed station group when this returns true.
func (s *Sessions) refreshRecommendation(ls *liveSession) bool {
	snap := ls.store.Snapshot()
	rec := Recommend(snap)
	if sameDestination(rec, snap.RecommendedDestination) {
		return false
	}
	ls.store.Apply(journey.Update{Station: &journey.StationChange{
		Current:     snap.CurrentStation,
		Completed:   snap.CompletedStations,
		Recommended: rec,
	}})
	return true
}

// persist writes the session's current state through to the store.
func (s *Sessions) persist(ctx context.Context, ls *liveSession) {
	snap := ls.store.Snapshot()
	rec := &store.SessionRecord{
		CallID:    snap.CallID,
		Status:    stream.StatusInProgress,
		State:     snap,
		StartedAt: ls.startedAt,
		UpdatedAt: time.Now(),
	}
	if err := s.repo.UpsertSession(ctx, rec); err != nil {
		slog.Error("Persist session", "error", err, "call_id", snap.CallID)
	}
}

// journal appends an event to the call's audit trail.
func (s *Sessions) journal(ctx context.Context, ev stream.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Marshal journal payload", "error", err, "type", ev.Kind())
		return
	}
	rec := &store.EventRecord{CallID: ev.Call(), Kind: ev.Kind(), Payload: payload}
	if err := s.repo.AppendEvent(ctx, rec); err != nil {
		slog.Error("Append event to journal", "error", err, "call_id", ev.Call(), "type", ev.Kind())
	}
}

// push broadcasts an event envelope to the call's dashboards.
func (s *Sessions) push(ev stream.Event) {
	frame, err := stream.Marshal(ev)
	if err != nil {
		slog.Error("Marshal broadcast frame", "error", err, "type", ev.Kind())
		return
	}
	s.registry.Broadcast(ev.Call(), frame)
}

// announce publishes a signal on the message bus when one is wired.
func (s *Sessions) announce(subject string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(subject, payload); err != nil {
		slog.Warn("Publish bus signal", "error", err, "subject", subject)
	}
}

func (s *Sessions) currentState(ls *liveSession) *stream.SessionState {
	return sessionState(ls.store.Snapshot(), stream.StatusInProgress)
}

// sessionState wraps a snapshot in the REST response shape. The flat
// signal list mirrors the primary option for dashboards that predate
// ranked options.
func sessionState(snap *journey.CallSession, status string) *stream.SessionState {
	st := &stream.SessionState{CallSession: *snap, Status: status}
	if len(snap.SegmentOptions) > 0 {
		st.SegmentSignals = append([]string(nil), snap.SegmentOptions[0].Signals...)
	}
	return st
}

// stationFrame builds the station_update envelope for the session's
// current station group.
func stationFrame(snap *journey.CallSession) stream.StationUpdate {
	return stream.StationUpdate{
		Meta:                   stream.Meta{CallID: snap.CallID},
		CurrentStation:         snap.CurrentStation,
		CompletedStations:      snap.CompletedStations,
		RecommendedDestination: snap.RecommendedDestination,
	}
}
