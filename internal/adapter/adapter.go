// Package adapter defines the transactional boundary between the storage
// engine and whatever backend holds committed state.
//
// The engine depends only on these interfaces; it never sees a query
// language. Two backends ship with the module: sqlite (durable, the
// production default) and memory (tests, the scenario harness). A backend
// must serialize read-write transactions so that merge batches from
// concurrent forks never interleave within a store.
package adapter

import (
	"context"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// Adapter is one backend connection. Stores must be registered before use;
// registration is idempotent and happens at context composition time.
type Adapter interface {
	// EnsureStore prepares the named store (creating backing structures if
	// needed). Called once per registered store at composition.
	EnsureStore(ctx context.Context, name string) error

	// BeginRead opens a read transaction spanning the given stores.
	BeginRead(ctx context.Context, stores []string) (ReadTxn, error)

	// BeginReadWrite opens a read-write transaction spanning the given
	// stores. Writes are invisible to other transactions until Commit.
	BeginReadWrite(ctx context.Context, stores []string) (ReadWriteTxn, error)

	Close() error
}

// ReadTxn is a consistent read view over the stores it was opened with.
type ReadTxn interface {
	// Get returns the record with the given identity, or nil if absent.
	// Soft-deleted records are returned (visibility is the caller's call).
	Get(ctx context.Context, store, id string) (*record.Record, error)

	// Find returns records matching the criteria, ordered per the
	// criteria's sort keys with the shared collation.
	Find(ctx context.Context, store string, c query.Criteria) ([]*record.Record, error)

	// End releases the transaction. Safe to call after Commit/Rollback.
	End() error
}

// ReadWriteTxn extends ReadTxn with batch mutation. Apply buffers or writes
// within the transaction; nothing is visible outside until Commit returns
// nil. Rollback (or End without Commit) discards everything.
type ReadWriteTxn interface {
	ReadTxn

	// Apply evaluates a batch of changes against the store, in order.
	// Reads within the same transaction observe prior Apply calls.
	Apply(ctx context.Context, store string, changes []change.Change) error

	// Purge physically deletes every record in the store, including
	// soft-deleted rows. Used by projection replay.
	Purge(ctx context.Context, store string) error

	Commit() error
	Rollback() error
}
