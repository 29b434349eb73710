package livecall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

const defaultRESTTimeout = 10 * time.Second

// restClient talks to the hub's session endpoints.
type restClient struct {
	baseURL string
	client  *http.Client
}

func newRESTClient(baseURL string, client *http.Client) *restClient {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTTimeout}
	}
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// resultWire mirrors the hub's response envelope with an explicit
// success pointer, so a body without one is distinguishable from
// success:false and can be rejected as a protocol error.
type resultWire struct {
	Success *bool                `json:"success"`
	State   *stream.SessionState `json:"state"`
	Error   string               `json:"error"`
}

func (c *restClient) getSession(ctx context.Context, callID string) (*stream.SessionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(callID), nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}

	wire, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return &stream.SessionResult{Success: *wire.Success, State: wire.State, Error: wire.Error}, nil
}

func (c *restClient) postAction(ctx context.Context, callID string, action stream.ActionRequest) (*stream.ActionResult, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(callID)+"/action", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	wire, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return &stream.ActionResult{Success: *wire.Success, State: wire.State, Error: wire.Error}, nil
}

// do executes the request and decodes the response envelope. The hub
// answers rejections with the envelope too (under a 4xx status), so
// the status code alone is never trusted: a response whose body is
// not a well-formed envelope is an error regardless of status.
func (c *restClient) do(req *http.Request) (*resultWire, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call hub: %w", err)
	}
	defer resp.Body.Close()

	var wire resultWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode hub response (status %d): %w", resp.StatusCode, err)
	}
	if wire.Success == nil {
		return nil, fmt.Errorf("hub response without success flag (status %d)", resp.StatusCode)
	}
	return &wire, nil
}

func (c *restClient) sessionURL(callID string) string {
	return c.baseURL + "/api/session/" + callID
}

// RejectedError is a business rejection: the hub refused the action,
// nothing was applied locally, and the agent should see the message.
type RejectedError struct {
	Action  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("action %s rejected: %s", e.Action, e.Message)
}

// Dispatcher issues agent actions against the hub. An accepted action
// folds the returned state into the store through the same merge path
// live events use, so a local action is indistinguishable from a
// server push. A rejected or failed action leaves the store untouched.
//
// One action runs at a time; concurrent calls queue on the internal
// mutex.
type Dispatcher struct {
	store       *journey.Store
	rest        *restClient
	autoAdvance bool

	mu sync.Mutex
}

// NewDispatcher creates a dispatcher for the store's call. When
// autoAdvance is set, a successful segment selection chains into a
// station confirm.
func NewDispatcher(store *journey.Store, rest *restClient, autoAdvance bool) *Dispatcher {
	return &Dispatcher{store: store, rest: rest, autoAdvance: autoAdvance}
}

// ConfirmStation asks the hub to advance past the current station.
func (d *Dispatcher) ConfirmStation(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmStationLocked(ctx)
}

// SelectSegment confirms a customer segment. On acceptance the
// downstream journey state derived from the previous segment
// (qualification, selected destination) is cleared, and when auto
// advance is enabled a station confirm is issued with the fresh
// segment already committed. The commit strictly precedes the
// confirm request.
func (d *Dispatcher) SelectSegment(ctx context.Context, segment journey.Segment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.dispatchLocked(ctx, stream.ActionSelectSegment, stream.SelectSegmentPayload{Segment: segment})
	if err != nil {
		return err
	}

	d.store.Apply(journey.Update{ClearQualified: true, ClearSelected: true})

	if !d.autoAdvance {
		return nil
	}
	return d.confirmStationLocked(ctx)
}

// SetQualified records the qualification outcome.
func (d *Dispatcher) SetQualified(ctx context.Context, qualified bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchLocked(ctx, stream.ActionSetQualified, stream.SetQualifiedPayload{Qualified: &qualified})
}

// SelectDestination records the agent's destination choice.
func (d *Dispatcher) SelectDestination(ctx context.Context, dest journey.Destination) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchLocked(ctx, stream.ActionSelectDestination, stream.SelectDestinationPayload{Destination: dest})
}

func (d *Dispatcher) confirmStationLocked(ctx context.Context) error {
	current := d.store.Snapshot().CurrentStation
	return d.dispatchLocked(ctx, stream.ActionConfirmStation, stream.ConfirmStationPayload{Station: current})
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, action string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", action, err)
	}

	res, err := d.rest.postAction(ctx, d.store.CallID(), stream.ActionRequest{
		Action:  action,
		Payload: raw,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", action, err)
	}
	if !res.Success {
		return &RejectedError{Action: action, Message: res.Error}
	}
	if res.State != nil {
		d.store.Apply(res.State.Update())
	}
	return nil
}
