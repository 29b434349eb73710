package livecall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

func segp(s journey.Segment) *journey.Segment { return &s }
func boolp(b bool) *bool                      { return &b }

func TestDispatcher_SuccessAppliesReturnedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session/call-1/action" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req stream.ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		if req.Action != stream.ActionSetQualified {
			t.Errorf("Expected set_qualified, got %s", req.Action)
		}

		writeJSONResult(w, stream.ActionResult{
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
		})
	}))
	defer srv.Close()

	store := journey.NewStore("call-1")
	d := NewDispatcher(store, newRESTClient(srv.URL, srv.Client()), true)

	if err := d.SetQualified(context.Background(), true); err != nil {
		t.Fatalf("SetQualified failed: %v", err)
	}

	snap := store.Snapshot()
	if snap.IsQualified == nil || !*snap.IsQualified {
		t.Errorf("Expected qualified true, got %v", snap.IsQualified)
	}
	if snap.CurrentStation != journey.StationQualify {
		t.Errorf("Expected server station applied, got %s", snap.CurrentStation)
	}
}

func TestDispatcher_RejectionLeavesStateUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		writeJSONResult(w, stream.ActionResult{Success: false, Error: "cannot skip qualification"})
	}))
	defer srv.Close()

	store := journey.NewStore("call-1")
	store.Apply(journey.Update{Station: &journey.StationChange{Current: journey.StationSegment, Completed: []journey.Station{journey.StationListen}}})
	before := store.Snapshot()

	d := NewDispatcher(store, newRESTClient(srv.URL, srv.Client()), true)
	err := d.SelectDestination(context.Background(), journey.DestinationInstantPrice)

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Expected RejectedError, got %v", err)
	}
	if rejected.Message != "cannot skip qualification" {
		t.Errorf("Expected server message, got %q", rejected.Message)
	}
	if !reflect.DeepEqual(before, store.Snapshot()) {
		t.Error("Expected state identical after rejection")
	}
}

func TestDispatcher_MalformedResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// A body without a success flag is a protocol error, not a
		// rejection.
		_, _ = w.Write([]byte(`{"state":null}`))
	}))
	defer srv.Close()

	store := journey.NewStore("call-1")
	before := store.Snapshot()

	d := NewDispatcher(store, newRESTClient(srv.URL, srv.Client()), true)
	err := d.ConfirmStation(context.Background())
	if err == nil {
		t.Fatal("Expected error for malformed response")
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		t.Error("Expected a protocol error, not a business rejection")
	}
	if !reflect.DeepEqual(before, store.Snapshot()) {
		t.Error("Expected state untouched after protocol error")
	}
}

func TestDispatcher_TransportErrorLeavesStateUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	store := journey.NewStore("call-1")
	before := store.Snapshot()

	d := NewDispatcher(store, newRESTClient(srv.URL, nil), true)
	if err := d.SetQualified(context.Background(), false); err == nil {
		t.Fatal("Expected transport error")
	}
	if !reflect.DeepEqual(before, store.Snapshot()) {
		t.Error("Expected state untouched after transport error")
	}
}

func TestDispatcher_SelectSegmentChainsConfirm(t *testing.T) {
	type recorded struct {
		action  string
		station journey.Station
	}
	var calls []recorded

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}

		switch req.Action {
		case stream.ActionSelectSegment:
			var p stream.SelectSegmentPayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				t.Fatalf("Bad select payload: %v", err)
			}
			if p.Segment != journey.SegmentOAP {
				t.Errorf("Expected OAP selection, got %s", p.Segment)
			}
			calls = append(calls, recorded{action: req.Action})
			writeJSONResult(w, stream.ActionResult{
				Success: true,
				State: &stream.SessionState{
					CallSession: journey.CallSession{
						CallID:            "call-1",
						CurrentStation:    journey.StationSegment,
						CompletedStations: []journey.Station{journey.StationListen},
						DetectedSegment:   segp(journey.SegmentOAP),
						SegmentConfidence: 100,
						SegmentOptions:    []journey.SegmentOption{{Segment: journey.SegmentOAP, Confidence: 100}},
					},
					Status: stream.StatusInProgress,
				},
			})

		case stream.ActionConfirmStation:
			var p stream.ConfirmStationPayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				t.Fatalf("Bad confirm payload: %v", err)
			}
			calls = append(calls, recorded{action: req.Action, station: p.Station})
			writeJSONResult(w, stream.ActionResult{
				Success: true,
				State: &stream.SessionState{
					CallSession: journey.CallSession{
						CallID:            "call-1",
						CurrentStation:    journey.StationQualify,
						CompletedStations: []journey.Station{journey.StationListen, journey.StationSegment},
						DetectedSegment:   segp(journey.SegmentOAP),
						SegmentConfidence: 100,
						SegmentOptions:    []journey.SegmentOption{{Segment: journey.SegmentOAP, Confidence: 100}},
					},
					Status: stream.StatusInProgress,
				},
			})

		default:
			t.Errorf("Unexpected action %s", req.Action)
		}
	}))
	defer srv.Close()

	store := journey.NewStore("call-1")
	// Downstream state from an earlier, different segment.
	store.Apply(journey.Update{Segment: &journey.SegmentChange{Segment: journey.SegmentLandlord, Confidence: 55}})
	store.Apply(journey.Update{Qualified: boolp(true)})
	dest := journey.DestinationVideoRequest
	store.Apply(journey.Update{Selected: &dest})

	d := NewDispatcher(store, newRESTClient(srv.URL, srv.Client()), true)
	if err := d.SelectSegment(context.Background(), journey.SegmentOAP); err != nil {
		t.Fatalf("SelectSegment failed: %v", err)
	}

	if len(calls) != 2 || calls[0].action != stream.ActionSelectSegment || calls[1].action != stream.ActionConfirmStation {
		t.Fatalf("Expected select then confirm, got %v", calls)
	}
	// The confirm must carry the station from the already-committed
	// selection response, proving the commit preceded the request.
	if calls[1].station != journey.StationSegment {
		t.Errorf("Expected confirm with fresh station SEGMENT, got %s", calls[1].station)
	}

	snap := store.Snapshot()
	if snap.DetectedSegment == nil || *snap.DetectedSegment != journey.SegmentOAP || snap.SegmentConfidence != 100 {
		t.Errorf("Expected OAP at 100, got %v/%d", snap.DetectedSegment, snap.SegmentConfidence)
	}
	if snap.CurrentStation != journey.StationQualify {
		t.Errorf("Expected auto-advanced station, got %s", snap.CurrentStation)
	}
	if snap.IsQualified != nil || snap.SelectedDestination != nil {
		t.Error("Expected downstream state cleared by the new segment")
	}
}

func TestDispatcher_SelectSegmentWithoutAutoAdvance(t *testing.T) {
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.ActionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		actions = append(actions, req.Action)
		writeJSONResult(w, stream.ActionResult{Success: true})
	}))
	defer srv.Close()

	store := journey.NewStore("call-1")
	d := NewDispatcher(store, newRESTClient(srv.URL, srv.Client()), false)
	if err := d.SelectSegment(context.Background(), journey.SegmentBusyPro); err != nil {
		t.Fatalf("SelectSegment failed: %v", err)
	}

	if len(actions) != 1 || actions[0] != stream.ActionSelectSegment {
		t.Errorf("Expected select only, got %v", actions)
	}
}

func TestDispatcher_RejectedSelectSegmentSkipsChain(t *testing.T) {
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.ActionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		actions = append(actions, req.Action)
		w.WriteHeader(http.StatusConflict)
		writeJSONResult(w, stream.ActionResult{Success: false, Error: "session ended"})
	}))
	defer srv.Close()

	store := journey.NewStore("call-1")
	store.Apply(journey.Update{Qualified: boolp(false)})
	before := store.Snapshot()

	d := NewDispatcher(store, newRESTClient(srv.URL, srv.Client()), true)
	err := d.SelectSegment(context.Background(), journey.SegmentHomeowner)

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Expected RejectedError, got %v", err)
	}
	if len(actions) != 1 {
		t.Errorf("Expected no confirm after rejection, got %v", actions)
	}
	if !reflect.DeepEqual(before, store.Snapshot()) {
		t.Error("Expected no local effect from rejected selection")
	}
}

func writeJSONResult(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
