// Package livecall is the client core a dashboard embeds to follow one
// live call. A View owns the session store, the live channel, and the
// action client for a single call id; everything it holds is torn down
// by Close, so a dashboard switching calls discards the old view and
// opens a fresh one.
package livecall

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/transcript"
)

// Hooks are the view's callbacks into the embedding dashboard. All
// fields are optional. Hooks run synchronously on the goroutine that
// produced the change, so they must not block.
type Hooks struct {
	// OnChange receives a fresh snapshot after every state mutation.
	OnChange func(*journey.CallSession)
	// OnConnection reports live-channel availability.
	OnConnection func(connected bool)
	// OnEnded fires when the server announces the call is over.
	OnEnded func(reason string)
	// OnCallError surfaces a server-reported problem with the call.
	// It signals transport or analyzer trouble, never a state change.
	OnCallError func(code, message string)
	// OnTranscript receives live caption lines.
	OnTranscript func(line transcript.Line)
}

func (h Hooks) change(s *journey.CallSession) {
	if h.OnChange != nil {
		h.OnChange(s)
	}
}

func (h Hooks) connection(up bool) {
	if h.OnConnection != nil {
		h.OnConnection(up)
	}
}

func (h Hooks) ended(reason string) {
	if h.OnEnded != nil {
		h.OnEnded(reason)
	}
}

func (h Hooks) callError(code, message string) {
	if h.OnCallError != nil {
		h.OnCallError(code, message)
	}
}

func (h Hooks) transcriptLine(line transcript.Line) {
	if h.OnTranscript != nil {
		h.OnTranscript(line)
	}
}

// ViewConfig configures a View.
type ViewConfig struct {
	// CallID is the call the view follows. Required.
	CallID string
	// BaseURL is the hub's HTTP base, e.g. "http://127.0.0.1:8080".
	// Required.
	BaseURL string
	// LiveURL overrides the live-channel endpoint. Derived from
	// BaseURL when empty.
	LiveURL string
	// HTTPClient overrides the REST client. A sensible default is
	// used when nil.
	HTTPClient *http.Client
	// Hooks are the dashboard callbacks.
	Hooks Hooks
	// Simulated skips rehydration on connect so canned event feeds
	// start from a clean slate.
	Simulated bool
	// RedialDelay enables fixed-delay reconnects when positive. Each
	// reconnect re-runs rehydration.
	RedialDelay time.Duration
	// AutoAdvance controls the confirm-station chain after a segment
	// selection. Defaults to true when nil.
	AutoAdvance *bool
}

// View composes the client core for one call: store, ingestor,
// dispatcher, rehydrator, and connection supervisor.
type View struct {
	store      *journey.Store
	dispatcher *Dispatcher
	supervisor *Supervisor
	ingestor   *Ingestor
}

// NewView wires a view for the configured call. The view is inert
// until Open.
func NewView(cfg ViewConfig) (*View, error) {
	if cfg.CallID == "" {
		return nil, fmt.Errorf("view: call id required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("view: base url required")
	}

	liveURL := cfg.LiveURL
	if liveURL == "" {
		derived, err := deriveLiveURL(cfg.BaseURL, cfg.CallID)
		if err != nil {
			return nil, fmt.Errorf("view: %w", err)
		}
		liveURL = derived
	}

	store := journey.NewStore(cfg.CallID)
	store.OnChange(cfg.Hooks.change)

	rest := newRESTClient(cfg.BaseURL, cfg.HTTPClient)
	autoAdvance := true
	if cfg.AutoAdvance != nil {
		autoAdvance = *cfg.AutoAdvance
	}

	ingestor := NewIngestor(store, cfg.Hooks)
	dispatcher := NewDispatcher(store, rest, autoAdvance)
	rehydrator := NewRehydrator(store, rest)
	supervisor := NewSupervisor(SupervisorConfig{
		LiveURL:     liveURL,
		Ingestor:    ingestor,
		Rehydrator:  rehydrator,
		Hooks:       cfg.Hooks,
		Simulated:   cfg.Simulated,
		RedialDelay: cfg.RedialDelay,
	})

	return &View{
		store:      store,
		dispatcher: dispatcher,
		supervisor: supervisor,
		ingestor:   ingestor,
	}, nil
}

// Open connects the live channel and, unless the view is simulated,
// rehydrates from the hub snapshot. The context bounds the view's
// lifetime; canceling it is equivalent to Close.
func (v *View) Open(ctx context.Context) error {
	return v.supervisor.Start(ctx)
}

// Close tears down the socket and all view goroutines. Idempotent.
// A rehydration still in flight when Close is called discards its
// result.
func (v *View) Close() {
	v.supervisor.Close()
}

// Store returns the session store. Consumers read snapshots from it
// and subscribe through Hooks.OnChange.
func (v *View) Store() *journey.Store {
	return v.store
}

// Session returns a snapshot of the current state.
func (v *View) Session() *journey.CallSession {
	return v.store.Snapshot()
}

// Actions returns the dispatcher for agent-initiated actions.
func (v *View) Actions() *Dispatcher {
	return v.dispatcher
}

// Connected reports live-channel availability.
func (v *View) Connected() bool {
	return v.supervisor.Connected()
}

// Ingest feeds one raw frame through the ingestor, bypassing the
// socket. Used by simulated views driven from canned event feeds.
func (v *View) Ingest(raw []byte) {
	v.ingestor.HandleRaw(raw)
}

// deriveLiveURL turns the hub's HTTP base into the live-channel
// endpoint for one call.
func deriveLiveURL(baseURL, callID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/live"
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
