package livecall

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fixfirsthq/callpilot/internal/journey"
)

// Rehydrator loads the hub's authoritative snapshot into the store,
// used on connect and reconnect before live events are trusted.
type Rehydrator struct {
	store *journey.Store
	rest  *restClient
}

// NewRehydrator creates a rehydrator for the store's call.
func NewRehydrator(store *journey.Store, rest *restClient) *Rehydrator {
	return &Rehydrator{store: store, rest: rest}
}

// Run fetches the snapshot and seeds the store with it. The store
// revision is captured before the fetch: any field a live event moves
// while the round trip is in flight keeps its newer value, the rest
// seed from the snapshot. An unknown call or a session that is no
// longer in progress leaves the store at its defaults. A canceled
// context discards the result.
func (r *Rehydrator) Run(ctx context.Context) error {
	callID := r.store.CallID()
	asOf := r.store.Rev()

	res, err := r.rest.getSession(ctx, callID)
	if err != nil {
		return fmt.Errorf("rehydrate %s: %w", callID, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !res.Success || res.State == nil {
		slog.Debug("No session to rehydrate", "call_id", callID)
		return nil
	}
	if !res.State.InProgress() {
		slog.Debug("Session no longer in progress, keeping defaults", "call_id", callID, "status", res.State.Status)
		return nil
	}

	r.store.Seed(res.State.Session(), asOf)
	slog.Debug("Session rehydrated", "call_id", callID, "as_of", asOf)
	return nil
}
