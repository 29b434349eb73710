package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/store"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

// newTestSessions builds a session manager over a throwaway SQLite
// store, without a message bus.
func newTestSessions(t *testing.T) (*Sessions, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return NewSessions(repo, NewRegistry(), nil, 16), repo
}

func meta(callID string) stream.Meta {
	return stream.Meta{CallID: callID}
}

func TestIngest_SessionStartedOpensAndPersists(t *testing.T) {
	sessions, repo := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})

	if sessions.Len() != 1 {
		t.Fatalf("Expected 1 live session, got %d", sessions.Len())
	}

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Status != stream.StatusInProgress {
		t.Errorf("Expected in_progress, got %s", state.Status)
	}
	if state.CurrentStation != journey.StationListen {
		t.Errorf("Expected LISTEN, got %s", state.CurrentStation)
	}

	rec, err := repo.GetSession(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec == nil || rec.Status != stream.StatusInProgress {
		t.Errorf("Expected persisted in_progress record, got %+v", rec)
	}
}

func TestIngest_StateBearingEventsAccumulate(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.SegmentDetected{
		Meta:       meta("call-1"),
		Segment:    journey.SegmentLandlord,
		Confidence: 62,
		Signals:    []string{"mentions tenant"},
		Alternatives: []journey.SegmentOption{
			{Segment: journey.SegmentPropMgr, Confidence: 40},
		},
	})
	sessions.Ingest(ctx, stream.InfoCaptured{
		Meta:         meta("call-1"),
		CapturedInfo: journey.CapturedInfo{Postcode: strp("SW1A 1AA")},
	})
	sessions.Ingest(ctx, stream.InfoCaptured{
		Meta:         meta("call-1"),
		CapturedInfo: journey.CapturedInfo{Name: strp("Sam")},
	})

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.DetectedSegment == nil || *state.DetectedSegment != journey.SegmentLandlord {
		t.Errorf("Expected LANDLORD, got %v", state.DetectedSegment)
	}
	if len(state.SegmentOptions) != 2 || state.SegmentOptions[0].Segment != journey.SegmentLandlord {
		t.Errorf("Expected ranked options led by LANDLORD, got %v", state.SegmentOptions)
	}
	if state.CapturedInfo.Postcode == nil || *state.CapturedInfo.Postcode != "SW1A 1AA" {
		t.Error("Expected postcode to survive the second info patch")
	}
	if state.CapturedInfo.Name == nil || *state.CapturedInfo.Name != "Sam" {
		t.Error("Expected name from the second info patch")
	}
}

func TestIngest_RefusesStationRegression(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.StationUpdate{
		Meta:              meta("call-1"),
		CurrentStation:    journey.StationQualify,
		CompletedStations: []journey.Station{journey.StationListen, journey.StationSegment},
	})
	sessions.Ingest(ctx, stream.StationUpdate{
		Meta:              meta("call-1"),
		CurrentStation:    journey.StationListen,
		CompletedStations: []journey.Station{},
	})

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.CurrentStation != journey.StationQualify {
		t.Errorf("Expected QUALIFY to survive the stale update, got %s", state.CurrentStation)
	}
	if sessions.Regressions() != 1 {
		t.Errorf("Expected 1 refused regression, got %d", sessions.Regressions())
	}
}

func TestIngest_RecommendationFollowsQualification(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.QualifiedSet{Meta: meta("call-1"), Qualified: false})

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.RecommendedDestination == nil || *state.RecommendedDestination != journey.DestinationExit {
		t.Errorf("Expected EXIT recommendation, got %v", state.RecommendedDestination)
	}
}

func TestIngest_EmergencyJobOverridesEverything(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.JobDetected{
		Meta: meta("call-1"),
		Job:  journey.JobDetection{Description: "burst pipe flooding the bathroom"},
	})

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.RecommendedDestination == nil || *state.RecommendedDestination != journey.DestinationEmergencyDispatch {
		t.Errorf("Expected EMERGENCY_DISPATCH, got %v", state.RecommendedDestination)
	}
	if len(state.DetectedJobs) != 1 || state.DetectedJobs[0].ID == "" {
		t.Errorf("Expected job with generated id, got %v", state.DetectedJobs)
	}
}

func TestIngest_SessionEndedFinishesCall(t *testing.T) {
	sessions, repo := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.SessionEnded{Meta: meta("call-1"), Reason: "caller hung up"})

	if sessions.Len() != 0 {
		t.Errorf("Expected no live sessions, got %d", sessions.Len())
	}

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Status != stream.StatusEnded {
		t.Errorf("Expected ended, got %s", state.Status)
	}

	rec, err := repo.GetSession(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.EndedAt.IsZero() {
		t.Error("Expected ended_at to be set")
	}
}

func TestIngest_EventsForEndedCallAreDropped(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.SessionEnded{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.QualifiedSet{Meta: meta("call-1"), Qualified: true})

	if sessions.Len() != 0 {
		t.Errorf("Expected the ended call to stay closed, got %d live", sessions.Len())
	}

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.IsQualified != nil {
		t.Errorf("Expected the late event to be dropped, got qualified %v", *state.IsQualified)
	}
}

func TestIngest_ResumesFromStoreAfterRestart(t *testing.T) {
	sessions, repo := newTestSessions(t)
	ctx := context.Background()

	// A previous process owned this call and persisted its state.
	seg := journey.SegmentOAP
	prior := journey.NewSession("call-9")
	prior.CurrentStation = journey.StationQualify
	prior.CompletedStations = []journey.Station{journey.StationListen, journey.StationSegment}
	prior.DetectedSegment = &seg
	prior.SegmentConfidence = 100
	started := time.Now().Add(-5 * time.Minute)
	if err := repo.UpsertSession(ctx, &store.SessionRecord{
		CallID:    "call-9",
		Status:    stream.StatusInProgress,
		State:     prior,
		StartedAt: started,
		UpdatedAt: started,
	}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sessions.Ingest(ctx, stream.QualifiedSet{Meta: meta("call-9"), Qualified: true})

	state, err := sessions.State(ctx, "call-9")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Status != stream.StatusInProgress {
		t.Errorf("Expected resumed session in progress, got %s", state.Status)
	}
	if state.CurrentStation != journey.StationQualify {
		t.Errorf("Expected seeded station QUALIFY, got %s", state.CurrentStation)
	}
	if state.IsQualified == nil || !*state.IsQualified {
		t.Error("Expected the triggering event applied on top of the seed")
	}
}

func TestIngest_TranscriptFeedsRingAndJournal(t *testing.T) {
	sessions, repo := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.TranscriptSegment{Meta: meta("call-1"), Speaker: "caller", Text: "my tap is dripping", Final: true})
	sessions.Ingest(ctx, stream.TranscriptSegment{Meta: meta("call-1"), Speaker: "agent", Text: "let me check", Final: false})

	lines, err := sessions.Transcript("call-1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[0].Speaker != "caller" || lines[1].Speaker != "agent" {
		t.Errorf("Expected oldest first, got %s then %s", lines[0].Speaker, lines[1].Speaker)
	}
	if lines[0].At.IsZero() {
		t.Error("Expected a timestamp filled in")
	}

	events, err := repo.RecentEvents(ctx, "call-1", 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	transcripts := 0
	for _, ev := range events {
		if ev.Kind == stream.EventTranscriptSegment {
			transcripts++
		}
	}
	if transcripts != 2 {
		t.Errorf("Expected 2 journaled transcript events, got %d", transcripts)
	}
}

func TestIngest_RestartResetsStateAndTranscript(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	sessions.Ingest(ctx, stream.QualifiedSet{Meta: meta("call-1"), Qualified: true})
	sessions.Ingest(ctx, stream.TranscriptSegment{Meta: meta("call-1"), Speaker: "caller", Text: "hello"})
	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})

	state, err := sessions.State(ctx, "call-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.IsQualified != nil {
		t.Error("Expected qualification cleared by the restart")
	}
	lines, err := sessions.Transcript("call-1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Expected transcript cleared by the restart, got %d lines", len(lines))
	}
}

func TestSummaries_OrderedByStart(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	first := time.Now().Add(-2 * time.Minute)
	second := time.Now().Add(-1 * time.Minute)
	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-b"), StartedAt: second})
	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-a"), StartedAt: first})
	sessions.Ingest(ctx, stream.QualifiedSet{Meta: meta("call-a"), Qualified: true})

	summaries := sessions.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].CallID != "call-a" || summaries[1].CallID != "call-b" {
		t.Errorf("Expected oldest call first, got %s then %s", summaries[0].CallID, summaries[1].CallID)
	}
	if summaries[0].IsQualified == nil || !*summaries[0].IsQualified {
		t.Error("Expected qualification in the summary row")
	}
}

func TestEvictIdle_AbandonsQuietSessions(t *testing.T) {
	sessions, repo := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})
	time.Sleep(20 * time.Millisecond)

	evicted := sessions.EvictIdle(ctx, 10*time.Millisecond)
	if evicted != 1 {
		t.Fatalf("Expected 1 eviction, got %d", evicted)
	}
	if sessions.Len() != 0 {
		t.Errorf("Expected no live sessions, got %d", sessions.Len())
	}

	rec, err := repo.GetSession(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Status != stream.StatusAbandoned {
		t.Errorf("Expected abandoned, got %s", rec.Status)
	}
}

func TestEvictIdle_KeepsActiveSessions(t *testing.T) {
	sessions, _ := newTestSessions(t)
	ctx := context.Background()

	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-1")})

	if evicted := sessions.EvictIdle(ctx, time.Hour); evicted != 0 {
		t.Errorf("Expected no evictions, got %d", evicted)
	}
	if sessions.Len() != 1 {
		t.Errorf("Expected the session kept, got %d live", sessions.Len())
	}
}

func TestAbandonStale_SettlesLeftoverRows(t *testing.T) {
	sessions, repo := newTestSessions(t)
	ctx := context.Background()

	now := time.Now()
	if err := repo.UpsertSession(ctx, &store.SessionRecord{
		CallID:    "call-old",
		Status:    stream.StatusInProgress,
		State:     journey.NewSession("call-old"),
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	sessions.Ingest(ctx, stream.SessionStarted{Meta: meta("call-live")})

	stale, err := sessions.AbandonStale(ctx)
	if err != nil {
		t.Fatalf("AbandonStale failed: %v", err)
	}
	if stale != 1 {
		t.Errorf("Expected 1 stale row settled, got %d", stale)
	}

	rec, err := repo.GetSession(ctx, "call-old")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Status != stream.StatusAbandoned {
		t.Errorf("Expected abandoned, got %s", rec.Status)
	}

	live, err := repo.GetSession(ctx, "call-live")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if live.Status != stream.StatusInProgress {
		t.Errorf("Expected the live call untouched, got %s", live.Status)
	}
}

func TestState_UnknownCall(t *testing.T) {
	sessions, _ := newTestSessions(t)

	if _, err := sessions.State(context.Background(), "nope"); err != ErrUnknownSession {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
	if _, err := sessions.Transcript("nope"); err != ErrUnknownSession {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
}
