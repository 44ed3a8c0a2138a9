package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/estuarydb/estuary/internal/adapter"
	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// Broadcaster receives the change batches applied by a successful merge.
// An implementation fans them out over the real-time notification channel.
// BroadcastChanges must not block for long; it runs on the merge path.
type Broadcaster interface {
	BroadcastChanges(batches []change.Batch)
}

// Config composes a Master.
type Config struct {
	// Stores are the registered store names. The shared event store is
	// registered implicitly.
	Stores []string

	// Broadcaster, if set, receives applied batches after each commit.
	Broadcaster Broadcaster

	Logger *slog.Logger
}

// Master is the durable, shared source of truth.
//
// Thread-safety model:
//   - Reads may run from any goroutine at any time.
//   - All mutation funnels through Apply, which serializes per affected
//     store via lock ordering, so two forks merging into the same store
//     never interleave and lock acquisition cannot deadlock.
type Master struct {
	adapter     adapter.Adapter
	broadcaster Broadcaster
	logger      *slog.Logger

	// locks is built at composition and read-only afterwards.
	locks map[string]*sync.Mutex
	names []string // sorted
}

// NewMaster registers every store with the adapter and returns the
// composed master. The event store is always registered.
func NewMaster(ctx context.Context, ad adapter.Adapter, cfg Config) (*Master, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seen := map[string]bool{EventsStore: true}
	names := []string{EventsStore}
	for _, name := range cfg.Stores {
		if name == "" {
			return nil, fmt.Errorf("compose master: empty store name")
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)

	locks := make(map[string]*sync.Mutex, len(names))
	for _, name := range names {
		if err := ad.EnsureStore(ctx, name); err != nil {
			return nil, fmt.Errorf("compose master: %w", err)
		}
		locks[name] = &sync.Mutex{}
	}

	return &Master{
		adapter:     ad,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		locks:       locks,
		names:       names,
	}, nil
}

// Stores returns the registered store names, sorted.
func (m *Master) Stores() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Has reports whether the store name is registered.
func (m *Master) Has(name string) bool {
	_, ok := m.locks[name]
	return ok
}

// Store returns the master-backed view of a registered store.
// Writes through it go down the same serialized apply path as merges.
func (m *Master) Store(name string) Store {
	return &masterStore{m: m, name: name}
}

// Fork creates an isolated overlay of this master. The fork buffers writes
// until Merge and caches reads for its lifetime. Dropping an unmerged fork
// requires no cleanup.
func (m *Master) Fork() *Fork {
	return newFork(m)
}

// Events returns the shared append-only event log, master-backed.
func (m *Master) Events() *EventLog {
	return NewEventLog(m.Store(EventsStore))
}

// Apply commits change batches to master storage: the merge path, and the
// apply path for inbound replicated batches. All batches commit in one
// adapter transaction; on any failure nothing is applied and nothing is
// broadcast.
func (m *Master) Apply(ctx context.Context, batches []change.Batch) error {
	batches = compactBatches(batches)
	if len(batches) == 0 {
		return nil
	}

	stores := make([]string, len(batches))
	for i, b := range batches {
		if !m.Has(b.Store) {
			return &MergeError{Store: b.Store, Err: fmt.Errorf("unknown store")}
		}
		stores[i] = b.Store
	}
	sort.Strings(stores)

	// Locks are acquired in sorted store order so concurrent merges with
	// overlapping store sets cannot deadlock.
	for _, name := range stores {
		mu := m.locks[name]
		mu.Lock()
		defer mu.Unlock()
	}

	tx, err := m.adapter.BeginReadWrite(ctx, stores)
	if err != nil {
		return &MergeError{Err: err}
	}
	defer tx.End()

	for _, b := range batches {
		if err := tx.Apply(ctx, b.Store, b.Changes); err != nil {
			return &MergeError{Store: b.Store, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &MergeError{Err: err}
	}

	if m.broadcaster != nil {
		m.broadcaster.BroadcastChanges(batches)
	}
	return nil
}

// Purge hard-deletes every record in a store, bypassing soft deletion.
// This is the first half of a projection rebuild; nothing is broadcast.
func (m *Master) Purge(ctx context.Context, store string) error {
	mu, ok := m.locks[store]
	if !ok {
		return fmt.Errorf("unknown store %q", store)
	}
	mu.Lock()
	defer mu.Unlock()

	tx, err := m.adapter.BeginReadWrite(ctx, []string{store})
	if err != nil {
		return err
	}
	defer tx.End()

	if err := tx.Purge(ctx, store); err != nil {
		return err
	}
	return tx.Commit()
}

// get reads one committed record, soft-deleted included.
func (m *Master) get(ctx context.Context, store, id string) (*record.Record, error) {
	tx, err := m.adapter.BeginRead(ctx, []string{store})
	if err != nil {
		return nil, err
	}
	defer tx.End()
	return tx.Get(ctx, store, id)
}

// find reads committed records matching the criteria.
func (m *Master) find(ctx context.Context, store string, c query.Criteria) ([]*record.Record, error) {
	tx, err := m.adapter.BeginRead(ctx, []string{store})
	if err != nil {
		return nil, err
	}
	defer tx.End()
	return tx.Find(ctx, store, c)
}

// compactBatches drops empty batches and merges duplicates per store,
// preserving change order.
func compactBatches(batches []change.Batch) []change.Batch {
	byStore := make(map[string]int)
	out := make([]change.Batch, 0, len(batches))
	for _, b := range batches {
		if len(b.Changes) == 0 {
			continue
		}
		if i, ok := byStore[b.Store]; ok {
			out[i].Changes = append(out[i].Changes, b.Changes...)
			continue
		}
		byStore[b.Store] = len(out)
		out = append(out, change.Batch{Store: b.Store, Changes: b.Changes})
	}
	return out
}

// masterStore adapts Master to the Store interface. Each write is a
// single-change batch through the serialized apply path, so direct master
// writes and merges share one discipline (and one broadcast stream).
type masterStore struct {
	m    *Master
	name string
}

func (s *masterStore) Name() string { return s.name }

func (s *masterStore) Find(ctx context.Context, c query.Criteria) ([]*record.Record, error) {
	return s.m.find(ctx, s.name, c)
}

func (s *masterStore) FindOne(ctx context.Context, c query.Criteria) (*record.Record, error) {
	return findOne(ctx, s, c)
}

func (s *masterStore) Set(ctx context.Context, r *record.Record) error {
	return s.ApplyChanges(ctx, []change.Change{change.Set(r)})
}

func (s *masterStore) Remove(ctx context.Context, id string) error {
	return s.ApplyChanges(ctx, []change.Change{change.Delete(id)})
}

func (s *masterStore) Modify(ctx context.Context, id string, fields record.Fields) (Delta, error) {
	return s.applyDelta(ctx, id, func(*record.Record) (change.Change, error) {
		return change.Modify(id, fields), nil
	})
}

func (s *masterStore) Mutate(ctx context.Context, id string, patch PatchFunc) (Delta, error) {
	return s.applyDelta(ctx, id, func(current *record.Record) (change.Change, error) {
		p, err := patch(record.CloneFields(current.Fields))
		if err != nil {
			return change.Change{}, fmt.Errorf("compute patch for %q: %w", id, err)
		}
		return change.Mutate(id, p), nil
	})
}

func (s *masterStore) ApplyChanges(ctx context.Context, changes []change.Change) error {
	return s.m.Apply(ctx, []change.Batch{{Store: s.name, Changes: changes}})
}

// applyDelta runs a read-compute-write cycle under the store's lock so the
// delta it reports is exactly what was committed.
func (s *masterStore) applyDelta(ctx context.Context, id string, build func(*record.Record) (change.Change, error)) (Delta, error) {
	mu, ok := s.m.locks[s.name]
	if !ok {
		return Delta{}, fmt.Errorf("unknown store %q", s.name)
	}
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.m.adapter.BeginReadWrite(ctx, []string{s.name})
	if err != nil {
		return Delta{}, err
	}
	defer tx.End()

	current, err := tx.Get(ctx, s.name, id)
	if err != nil {
		return Delta{}, err
	}
	if current == nil {
		// Absent identity: report {nil, nil}, commit nothing.
		return Delta{}, nil
	}

	c, err := build(current)
	if err != nil {
		return Delta{}, err
	}
	next, err := change.Apply(current, c)
	if err != nil {
		return Delta{}, err
	}
	if err := tx.Apply(ctx, s.name, []change.Change{c}); err != nil {
		return Delta{}, err
	}
	if err := tx.Commit(); err != nil {
		return Delta{}, &MergeError{Store: s.name, Err: err}
	}

	if s.m.broadcaster != nil {
		s.m.broadcaster.BroadcastChanges([]change.Batch{{Store: s.name, Changes: []change.Change{c}}})
	}
	return Delta{Previous: current, Next: next}, nil
}
