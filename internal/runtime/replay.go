package runtime

import (
	"context"
	"fmt"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/record"
)

// Replay rebuilds a view store from scratch: the store is purged, then
// every event in the log is fed through the view's handlers in sequence
// order on a fork, and the rebuilt state merges in one batch.
//
// Replay is a maintenance operation. Run it while the store's writers are
// quiet; between the purge and the merge, queries against the store see a
// partially empty projection.
func (r *Runtime) Replay(ctx context.Context, store string) error {
	view, ok := r.views[store]
	if !ok {
		return &CommandError{
			Code:    CodeUnknownView,
			State:   StateValidating,
			Message: fmt.Sprintf("store %q has no registered view", store),
		}
	}

	if err := r.master.Purge(ctx, store); err != nil {
		return fmt.Errorf("replay %q: purge: %w", store, err)
	}

	fork := r.master.Fork()
	target := fork.Store(store)

	count := 0
	err := r.master.Events().Scan(ctx, func(e record.Event) error {
		for _, h := range view.Handlers {
			if h.EventType != e.Type {
				continue
			}
			if err := h.Apply(ctx, target, e); err != nil {
				return fmt.Errorf("replay %q: event %s (seq %d): %w", store, e.Type, e.Seq, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := fork.Merge(ctx); err != nil {
		return fmt.Errorf("replay %q: merge: %w", store, err)
	}
	r.logger.Info("view replayed", "store", store, "events_applied", count)
	return nil
}

// ApplyInbound commits change batches received from a peer. Batches go
// down the same serialized apply path as merges, so replicated writes
// interleave safely with local commands and reach the broadcaster.
func (r *Runtime) ApplyInbound(ctx context.Context, batches []change.Batch) error {
	return r.master.Apply(ctx, batches)
}
