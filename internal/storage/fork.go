package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// Fork is an isolated, exclusively-owned overlay of master storage.
//
// Reads check the fork's local state first; a miss falls through to master
// and the result is cached for the fork's lifetime, so a record read twice
// within one command is stable even while other commands merge. Writes
// never touch master: they collapse into a per-identity change buffer that
// Merge applies as one batch per store.
//
// A fork belongs to one command execution. Sequential use is the intended
// pattern; the internal mutex only guards against accidental sharing, it
// does not make concurrent handler writes meaningful.
type Fork struct {
	master *Master

	mu sync.Mutex
	// overlay holds the fork-local effective value per written identity.
	overlay map[string]map[string]*record.Record
	// buffer holds the collapsed change per written identity.
	buffer map[string]map[string]change.Change
	// order remembers first-write order per store for deterministic merge.
	order map[string][]string
	// cache holds master reads (nil entry = known absent on master).
	cache  map[string]map[string]*record.Record
	merged bool
}

func newFork(m *Master) *Fork {
	return &Fork{
		master:  m,
		overlay: make(map[string]map[string]*record.Record),
		buffer:  make(map[string]map[string]change.Change),
		order:   make(map[string][]string),
		cache:   make(map[string]map[string]*record.Record),
	}
}

// Store returns the fork-local view of a registered store.
func (f *Fork) Store(name string) Store {
	return &forkStore{f: f, name: name}
}

// Events returns the shared event log viewed through this fork: appends
// buffer like any other write and merge commits them atomically with the
// command's effects.
func (f *Fork) Events() *EventLog {
	return NewEventLog(f.Store(EventsStore))
}

// Merged reports whether this fork has already been merged.
func (f *Fork) Merged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merged
}

// Merge commits every buffered change to master storage, one batch per
// store, all within a single adapter transaction. On failure nothing is
// applied, nothing is broadcast, and the fork remains discardable.
// A fork can merge at most once.
func (f *Fork) Merge(ctx context.Context) error {
	f.mu.Lock()
	if f.merged {
		f.mu.Unlock()
		return ErrForkMerged
	}

	stores := make([]string, 0, len(f.buffer))
	for name := range f.buffer {
		stores = append(stores, name)
	}
	sort.Strings(stores)

	batches := make([]change.Batch, 0, len(stores))
	for _, name := range stores {
		ids := f.order[name]
		changes := make([]change.Change, 0, len(ids))
		for _, id := range ids {
			if c, ok := f.buffer[name][id]; ok {
				changes = append(changes, c)
			}
		}
		if len(changes) > 0 {
			batches = append(batches, change.Batch{Store: name, Changes: changes})
		}
	}
	f.mu.Unlock()

	// Master.Apply serializes per store and broadcasts on success.
	if err := f.master.Apply(ctx, batches); err != nil {
		return err
	}

	f.mu.Lock()
	f.merged = true
	f.mu.Unlock()
	return nil
}

// read returns the fork-local effective value of an identity, falling
// through to master (and caching) on a local miss. Soft-deleted records
// are returned; visibility is the caller's concern.
func (f *Fork) read(ctx context.Context, store, id string) (*record.Record, error) {
	f.mu.Lock()
	if recs, ok := f.overlay[store]; ok {
		if r, ok := recs[id]; ok {
			f.mu.Unlock()
			return r.Clone(), nil
		}
	}
	if recs, ok := f.cache[store]; ok {
		if r, cached := recs[id]; cached {
			f.mu.Unlock()
			return r.Clone(), nil
		}
	}
	f.mu.Unlock()

	r, err := f.master.get(ctx, store, id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cacheRecord(store, id, r)
	f.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	return r.Clone(), nil
}

// cacheRecord stores a master read (or a known absence when r is nil).
// Callers hold f.mu. An existing cache entry wins: the first read of an
// identity fixes what this fork observes.
func (f *Fork) cacheRecord(store, id string, r *record.Record) {
	recs, ok := f.cache[store]
	if !ok {
		recs = make(map[string]*record.Record)
		f.cache[store] = recs
	}
	if _, exists := recs[id]; !exists {
		recs[id] = r
	}
}

// write records a fork-local change: the overlay gets the new effective
// value and the buffer collapses per identity. A second write to the same
// identity folds into a full set of the effective value, except deletes,
// which stay deletes.
func (f *Fork) write(store, id string, c change.Change, next *record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merged {
		return ErrForkMerged
	}

	recs, ok := f.overlay[store]
	if !ok {
		recs = make(map[string]*record.Record)
		f.overlay[store] = recs
	}
	buf, ok := f.buffer[store]
	if !ok {
		buf = make(map[string]change.Change)
		f.buffer[store] = buf
	}

	if _, written := buf[id]; !written {
		f.order[store] = append(f.order[store], id)
		buf[id] = c
	} else if c.Kind == change.KindDelete {
		buf[id] = c
	} else {
		// Later writes collapse into a full replacement carrying the
		// fork-local effective value.
		buf[id] = change.Set(next)
	}
	recs[id] = next
	return nil
}

// forkStore adapts a Fork to the Store interface for one store name.
type forkStore struct {
	f    *Fork
	name string
}

func (s *forkStore) Name() string { return s.name }

// Find overlays fork-local state on master results: master rows written
// locally are replaced by their overlay value, locally created records are
// added, and the full criteria is re-applied to the combined set.
func (s *forkStore) Find(ctx context.Context, c query.Criteria) ([]*record.Record, error) {
	// Fetch without pagination; offsets only make sense on the combined set.
	masterCrit := c
	masterCrit.Limit = 0
	masterCrit.Offset = 0
	masterCrit.IncludeDeleted = true

	fromMaster, err := s.f.master.find(ctx, s.name, masterCrit)
	if err != nil {
		return nil, err
	}

	s.f.mu.Lock()
	overlay := s.f.overlay[s.name]
	combined := make([]*record.Record, 0, len(fromMaster)+len(overlay))
	seen := make(map[string]bool, len(fromMaster))
	for _, r := range fromMaster {
		seen[r.ID] = true
		s.f.cacheRecord(s.name, r.ID, r)
		if local, ok := overlay[r.ID]; ok {
			combined = append(combined, local.Clone())
			continue
		}
		if cached, ok := s.f.cache[s.name][r.ID]; ok {
			if cached == nil {
				// This fork already observed the identity as absent;
				// a row merged since by another command stays
				// invisible for the fork's lifetime.
				continue
			}
			r = cached
		}
		combined = append(combined, r.Clone())
	}
	for id, local := range overlay {
		if !seen[id] {
			combined = append(combined, local.Clone())
		}
	}
	s.f.mu.Unlock()

	return query.Apply(c, combined)
}

func (s *forkStore) FindOne(ctx context.Context, c query.Criteria) (*record.Record, error) {
	return findOne(ctx, s, c)
}

func (s *forkStore) Set(ctx context.Context, r *record.Record) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("set in %q: record must carry an id", s.name)
	}
	current, err := s.f.read(ctx, s.name, r.ID)
	if err != nil {
		return err
	}
	c := change.Set(r.Clone())
	next, err := change.Apply(current, c)
	if err != nil {
		return fmt.Errorf("set in %q: %w", s.name, err)
	}
	return s.f.write(s.name, r.ID, c, next)
}

func (s *forkStore) Remove(ctx context.Context, id string) error {
	current, err := s.f.read(ctx, s.name, id)
	if err != nil {
		return err
	}
	if current == nil {
		return nil // removing an absent identity is a no-op
	}
	c := change.Delete(id)
	next, err := change.Apply(current, c)
	if err != nil {
		return fmt.Errorf("remove from %q: %w", s.name, err)
	}
	return s.f.write(s.name, id, c, next)
}

func (s *forkStore) Modify(ctx context.Context, id string, fields record.Fields) (Delta, error) {
	return s.applyDelta(ctx, id, func(*record.Record) (change.Change, error) {
		return change.Modify(id, record.CloneFields(fields)), nil
	})
}

func (s *forkStore) Mutate(ctx context.Context, id string, patch PatchFunc) (Delta, error) {
	return s.applyDelta(ctx, id, func(current *record.Record) (change.Change, error) {
		p, err := patch(record.CloneFields(current.Fields))
		if err != nil {
			return change.Change{}, fmt.Errorf("compute patch for %q: %w", id, err)
		}
		return change.Mutate(id, p), nil
	})
}

func (s *forkStore) ApplyChanges(ctx context.Context, changes []change.Change) error {
	for _, c := range changes {
		if err := change.Validate(c); err != nil {
			return fmt.Errorf("apply to %q: %w", s.name, err)
		}
		var err error
		switch c.Kind {
		case change.KindSet:
			r := c.Record.Clone()
			r.ID = c.ID
			err = s.Set(ctx, r)
		case change.KindDelete:
			err = s.Remove(ctx, c.ID)
		case change.KindModify:
			_, err = s.Modify(ctx, c.ID, c.Fields)
		case change.KindMutate:
			patch := c.Patch
			_, err = s.applyDelta(ctx, c.ID, func(*record.Record) (change.Change, error) {
				return change.Mutate(c.ID, patch), nil
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *forkStore) applyDelta(ctx context.Context, id string, build func(*record.Record) (change.Change, error)) (Delta, error) {
	current, err := s.f.read(ctx, s.name, id)
	if err != nil {
		return Delta{}, err
	}
	if current == nil {
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
	if err := s.f.write(s.name, id, c, next); err != nil {
		return Delta{}, err
	}
	return Delta{Previous: current, Next: next.Clone()}, nil
}
