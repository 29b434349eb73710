package livecall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

func TestDeriveLiveURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/ws/live?call_id=call-1"},
		{"https://hub.example.com", "wss://hub.example.com/ws/live?call_id=call-1"},
		{"ws://hub.example.com", "ws://hub.example.com/ws/live?call_id=call-1"},
	}

	for _, tt := range tests {
		got, err := deriveLiveURL(tt.base, "call-1")
		if err != nil {
			t.Errorf("deriveLiveURL(%s) failed: %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("deriveLiveURL(%s) = %s, expected %s", tt.base, got, tt.want)
		}
	}

	if _, err := deriveLiveURL("ftp://nope", "call-1"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

// testHub serves the endpoints a view consumes: a snapshot endpoint
// and a live channel that pushes scripted frames then holds the
// connection until the client closes it.
func testHub(t *testing.T, snapshot *stream.SessionResult, frames []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/", func(w http.ResponseWriter, r *http.Request) {
		if snapshot == nil {
			w.WriteHeader(http.StatusNotFound)
			writeJSONResult(w, stream.SessionResult{Success: false, Error: "session not found"})
			return
		}
		writeJSONResult(w, *snapshot)
	})
	mux.HandleFunc("/ws/live", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for _, frame := range frames {
			if err := c.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		// Hold until the client closes.
		_, _, _ = c.Read(context.Background())
	})
	return httptest.NewServer(mux)
}

func waitForSnapshot(t *testing.T, ch <-chan *journey.CallSession, cond func(*journey.CallSession) bool) *journey.CallSession {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("Timed out waiting for expected state")
			return nil
		}
	}
}

func TestView_LiveEventsFlowIntoStore(t *testing.T) {
	srv := testHub(t, nil, []string{
		`{"type":"session_started","data":{"callId":"call-1"}}`,
		`{"type":"station_update","data":{"callId":"call-1","currentStation":"SEGMENT","completedStations":["LISTEN"]}}`,
		`{"type":"segment_detected","data":{"callId":"call-1","segment":"LANDLORD","confidence":62,"alternatives":[{"segment":"PROP_MGR","confidence":40}]}}`,
		`{"type":"info_captured","data":{"callId":"call-1","postcode":"SW1A 1AA"}}`,
	})
	defer srv.Close()

	updates := make(chan *journey.CallSession, 32)
	view, err := NewView(ViewConfig{
		CallID:  "call-1",
		BaseURL: srv.URL,
		Hooks: Hooks{
			OnChange: func(s *journey.CallSession) { updates <- s },
		},
	})
	if err != nil {
		t.Fatalf("NewView failed: %v", err)
	}
	if err := view.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer view.Close()

	snap := waitForSnapshot(t, updates, func(s *journey.CallSession) bool {
		return s.CapturedInfo.Postcode != nil
	})

	if snap.CurrentStation != journey.StationSegment {
		t.Errorf("Expected SEGMENT, got %s", snap.CurrentStation)
	}
	if snap.DetectedSegment == nil || *snap.DetectedSegment != journey.SegmentLandlord {
		t.Errorf("Expected LANDLORD, got %v", snap.DetectedSegment)
	}
	if len(snap.SegmentOptions) != 2 {
		t.Errorf("Expected 2 options, got %v", snap.SegmentOptions)
	}
}

func TestView_RehydratesOnOpen(t *testing.T) {
	srv := testHub(t, &stream.SessionResult{
		Success: true,
		State: &stream.SessionState{
			CallSession: journey.CallSession{
				CallID:            "call-1",
				CurrentStation:    journey.StationQualify,
				CompletedStations: []journey.Station{journey.StationListen, journey.StationSegment},
				IsQualified:       boolp(true),
			},
			Status: stream.StatusInProgress,
		},
	}, nil)
	defer srv.Close()

	updates := make(chan *journey.CallSession, 32)
	view, err := NewView(ViewConfig{
		CallID:  "call-1",
		BaseURL: srv.URL,
		Hooks:   Hooks{OnChange: func(s *journey.CallSession) { updates <- s }},
	})
	if err != nil {
		t.Fatalf("NewView failed: %v", err)
	}
	if err := view.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer view.Close()

	snap := waitForSnapshot(t, updates, func(s *journey.CallSession) bool {
		return s.CurrentStation == journey.StationQualify
	})
	if snap.IsQualified == nil || !*snap.IsQualified {
		t.Errorf("Expected qualification seeded, got %v", snap.IsQualified)
	}
}

func TestView_SimulatedModeSkipsRehydration(t *testing.T) {
	var sessionFetches atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/", func(w http.ResponseWriter, r *http.Request) {
		sessionFetches.Add(1)
		writeJSONResult(w, stream.SessionResult{Success: false, Error: "session not found"})
	})
	mux.HandleFunc("/ws/live", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"qualified_set","data":{"callId":"call-1","qualified":true}}`))
		_, _, _ = c.Read(context.Background())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	updates := make(chan *journey.CallSession, 32)
	view, err := NewView(ViewConfig{
		CallID:    "call-1",
		BaseURL:   srv.URL,
		Simulated: true,
		Hooks:     Hooks{OnChange: func(s *journey.CallSession) { updates <- s }},
	})
	if err != nil {
		t.Fatalf("NewView failed: %v", err)
	}
	if err := view.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer view.Close()

	waitForSnapshot(t, updates, func(s *journey.CallSession) bool {
		return s.IsQualified != nil
	})
	if got := sessionFetches.Load(); got != 0 {
		t.Errorf("Expected no snapshot fetch in simulated mode, got %d", got)
	}
}

func TestView_CloseIsIdempotent(t *testing.T) {
	srv := testHub(t, nil, nil)
	defer srv.Close()

	view, err := NewView(ViewConfig{CallID: "call-1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewView failed: %v", err)
	}
	if err := view.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	view.Close()
	view.Close()

	if view.Connected() {
		t.Error("Expected disconnected after close")
	}
}

func TestView_ConnectionHookTracksSocket(t *testing.T) {
	srv := testHub(t, nil, nil)
	defer srv.Close()

	states := make(chan bool, 8)
	view, err := NewView(ViewConfig{
		CallID:  "call-1",
		BaseURL: srv.URL,
		Hooks:   Hooks{OnConnection: func(up bool) { states <- up }},
	})
	if err != nil {
		t.Fatalf("NewView failed: %v", err)
	}
	if err := view.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case up := <-states:
		if !up {
			t.Error("Expected connected first")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connect signal")
	}

	view.Close()

	select {
	case up := <-states:
		if up {
			t.Error("Expected disconnected after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for disconnect signal")
	}
}

func TestView_RedialsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResult(w, stream.SessionResult{Success: false, Error: "session not found"})
	})
	mux.HandleFunc("/ws/live", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		if n == 1 {
			_ = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"info_captured","data":{"callId":"call-1","name":"first"}}`))
			_ = c.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		_ = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"info_captured","data":{"callId":"call-1","contact":"07700 900123"}}`))
		_, _, _ = c.Read(context.Background())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	updates := make(chan *journey.CallSession, 32)
	view, err := NewView(ViewConfig{
		CallID:      "call-1",
		BaseURL:     srv.URL,
		RedialDelay: 20 * time.Millisecond,
		Hooks:       Hooks{OnChange: func(s *journey.CallSession) { updates <- s }},
	})
	if err != nil {
		t.Fatalf("NewView failed: %v", err)
	}
	if err := view.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer view.Close()

	snap := waitForSnapshot(t, updates, func(s *journey.CallSession) bool {
		return s.CapturedInfo.Contact != nil
	})
	// State from before the drop survives the reconnect.
	if snap.CapturedInfo.Name == nil || *snap.CapturedInfo.Name != "first" {
		t.Errorf("Expected pre-drop state to survive, got %v", snap.CapturedInfo.Name)
	}

	mu.Lock()
	got := dials
	mu.Unlock()
	if got < 2 {
		t.Errorf("Expected a redial, got %d dials", got)
	}
}

func TestNewView_Validation(t *testing.T) {
	if _, err := NewView(ViewConfig{BaseURL: "http://x"}); err == nil {
		t.Error("Expected error without call id")
	}
	if _, err := NewView(ViewConfig{CallID: "call-1"}); err == nil {
		t.Error("Expected error without base url")
	}
}
