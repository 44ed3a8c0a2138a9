// Package memory implements the adapter boundary with plain maps.
//
// It exists for tests and the scenario harness: every behavior the engine
// relies on (batch atomicity, read-your-writes inside a transaction,
// serialized writers) holds, with no I/O. Data does not survive the process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/estuarydb/estuary/internal/adapter"
	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// Adapter holds every store in memory.
//
// Thread-safety model:
//   - dataMu guards the store maps for readers.
//   - writerMu serializes read-write transactions end to end, mirroring the
//     single-writer discipline of the sqlite backend. A commit swaps staged
//     state in under dataMu so readers never observe a partial batch.
type Adapter struct {
	dataMu   sync.RWMutex
	writerMu sync.Mutex
	stores   map[string]map[string]*record.Record
	closed   bool
}

// New creates an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{stores: make(map[string]map[string]*record.Record)}
}

// EnsureStore registers a store name. Idempotent.
func (a *Adapter) EnsureStore(_ context.Context, name string) error {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	if a.closed {
		return fmt.Errorf("ensure store %q: adapter closed", name)
	}
	if _, ok := a.stores[name]; !ok {
		a.stores[name] = make(map[string]*record.Record)
	}
	return nil
}

// BeginRead opens a read transaction. Reads see committed state only.
func (a *Adapter) BeginRead(_ context.Context, stores []string) (adapter.ReadTxn, error) {
	if err := a.checkStores(stores); err != nil {
		return nil, err
	}
	return &readTxn{a: a}, nil
}

// BeginReadWrite opens a read-write transaction. Only one read-write
// transaction runs at a time; Begin blocks until the previous one ends.
func (a *Adapter) BeginReadWrite(_ context.Context, stores []string) (adapter.ReadWriteTxn, error) {
	if err := a.checkStores(stores); err != nil {
		return nil, err
	}
	a.writerMu.Lock()
	return &writeTxn{
		a:      a,
		staged: make(map[string]map[string]*record.Record),
		purged: make(map[string]bool),
	}, nil
}

// Close marks the adapter closed. Outstanding transactions fail on use.
func (a *Adapter) Close() error {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	a.closed = true
	a.stores = nil
	return nil
}

func (a *Adapter) checkStores(stores []string) error {
	a.dataMu.RLock()
	defer a.dataMu.RUnlock()
	if a.closed {
		return fmt.Errorf("begin txn: adapter closed")
	}
	for _, name := range stores {
		if _, ok := a.stores[name]; !ok {
			return fmt.Errorf("begin txn: unknown store %q", name)
		}
	}
	return nil
}

func (a *Adapter) getCommitted(store, id string) (*record.Record, error) {
	a.dataMu.RLock()
	defer a.dataMu.RUnlock()
	recs, ok := a.stores[store]
	if !ok {
		return nil, fmt.Errorf("get: unknown store %q", store)
	}
	r, ok := recs[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (a *Adapter) snapshotCommitted(store string) ([]*record.Record, error) {
	a.dataMu.RLock()
	defer a.dataMu.RUnlock()
	recs, ok := a.stores[store]
	if !ok {
		return nil, fmt.Errorf("find: unknown store %q", store)
	}
	out := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	return out, nil
}

// readTxn reads committed state. It holds no locks between calls; commits
// are atomic under dataMu, so each read observes a complete batch or none
// of it.
type readTxn struct {
	a *Adapter
}

func (t *readTxn) Get(_ context.Context, store, id string) (*record.Record, error) {
	return t.a.getCommitted(store, id)
}

func (t *readTxn) Find(_ context.Context, store string, c query.Criteria) ([]*record.Record, error) {
	all, err := t.a.snapshotCommitted(store)
	if err != nil {
		return nil, err
	}
	return query.Apply(c, all)
}

func (t *readTxn) End() error { return nil }

// writeTxn stages changes privately and publishes them on Commit.
type writeTxn struct {
	a      *Adapter
	staged map[string]map[string]*record.Record
	purged map[string]bool
	done   bool
}

func (t *writeTxn) Get(_ context.Context, store, id string) (*record.Record, error) {
	if recs, ok := t.staged[store]; ok {
		if r, ok := recs[id]; ok {
			return r.Clone(), nil
		}
	}
	if t.purged[store] {
		return nil, nil
	}
	return t.a.getCommitted(store, id)
}

func (t *writeTxn) Find(_ context.Context, store string, c query.Criteria) ([]*record.Record, error) {
	var all []*record.Record
	if !t.purged[store] {
		committed, err := t.a.snapshotCommitted(store)
		if err != nil {
			return nil, err
		}
		staged := t.staged[store]
		for _, r := range committed {
			if _, overridden := staged[r.ID]; !overridden {
				all = append(all, r)
			}
		}
	}
	for _, r := range t.staged[store] {
		all = append(all, r.Clone())
	}
	return query.Apply(c, all)
}

func (t *writeTxn) Apply(ctx context.Context, store string, changes []change.Change) error {
	if t.done {
		return fmt.Errorf("apply: transaction finished")
	}
	for _, c := range changes {
		if err := change.Validate(c); err != nil {
			return fmt.Errorf("apply to %q: %w", store, err)
		}
		current, err := t.Get(ctx, store, c.ID)
		if err != nil {
			return err
		}
		next, err := change.Apply(current, c)
		if err != nil {
			return fmt.Errorf("apply to %q: %w", store, err)
		}
		if next == nil {
			continue // modify/mutate of an absent identity
		}
		recs, ok := t.staged[store]
		if !ok {
			recs = make(map[string]*record.Record)
			t.staged[store] = recs
		}
		recs[c.ID] = next
	}
	return nil
}

func (t *writeTxn) Purge(_ context.Context, store string) error {
	if t.done {
		return fmt.Errorf("purge: transaction finished")
	}
	t.purged[store] = true
	delete(t.staged, store)
	return nil
}

func (t *writeTxn) Commit() error {
	if t.done {
		return fmt.Errorf("commit: transaction finished")
	}
	t.done = true
	defer t.a.writerMu.Unlock()

	t.a.dataMu.Lock()
	defer t.a.dataMu.Unlock()
	if t.a.closed {
		return fmt.Errorf("commit: adapter closed")
	}
	for store := range t.purged {
		if _, ok := t.a.stores[store]; ok {
			t.a.stores[store] = make(map[string]*record.Record)
		}
	}
	for store, recs := range t.staged {
		target, ok := t.a.stores[store]
		if !ok {
			return fmt.Errorf("commit: unknown store %q", store)
		}
		for id, r := range recs {
			target[id] = r
		}
	}
	return nil
}

func (t *writeTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.a.writerMu.Unlock()
	return nil
}

func (t *writeTxn) End() error { return t.Rollback() }
