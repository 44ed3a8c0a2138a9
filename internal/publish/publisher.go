package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/estuarydb/estuary/internal/record"
	"github.com/estuarydb/estuary/internal/storage"
)

// DefaultMaxDepth bounds the async listener task tree. Each level is one
// generation of "async listener emitted an event whose async listeners
// then ran"; a chain deeper than this is almost certainly a feedback loop.
const DefaultMaxDepth = 16

// ListenerError reports a synchronous listener failure. It propagates out
// of Publish and causes the command's fork to be discarded.
type ListenerError struct {
	Listener  string
	EventType string
	Err       error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s failed on %s: %v", e.Listener, e.EventType, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// IsListenerError reports whether err is (or wraps) a ListenerError.
func IsListenerError(err error) bool {
	var le *ListenerError
	return errors.As(err, &le)
}

// Config composes a Publisher.
type Config struct {
	Registry *Registry
	Master   *storage.Master
	Clock    *Clock
	IDs      record.IDGenerator
	// Now stamps event creation times. Defaults to time.Now; tests inject
	// a deterministic source.
	Now      func() time.Time
	Logger   *slog.Logger
	MaxDepth int
}

// shared is the publisher state common to a whole task tree: the root
// publisher and every child it spawns for async listeners see the same
// registry, clock, and master.
type shared struct {
	registry *Registry
	master   *storage.Master
	clock    *Clock
	ids      record.IDGenerator
	now      func() time.Time
	logger   *slog.Logger
	maxDepth int
}

// Publisher sequences listeners for one fork's lifetime.
//
// The pending async queue is owned by this instance and never shared:
// each command execution (and each async listener run) gets its own
// publisher, so queues from concurrent commands cannot interleave.
type Publisher struct {
	env   *shared
	depth int

	mu      sync.Mutex
	pending []pendingEntry
}

type pendingEntry struct {
	listener Listener
	event    record.Event
	auth     AuthContext
}

// New creates a root publisher.
func New(cfg Config) *Publisher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock()
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	var ids record.IDGenerator = cfg.IDs
	if ids == nil {
		ids = record.UUIDv7Generator{}
	}
	return &Publisher{env: &shared{
		registry: cfg.Registry,
		master:   cfg.Master,
		clock:    clock,
		ids:      ids,
		now:      now,
		logger:   logger,
		maxDepth: maxDepth,
	}}
}

func (p *Publisher) child() *Publisher {
	return &Publisher{env: p.env, depth: p.depth + 1}
}

// NewScope binds a fork and an auth context to this publisher. Handlers
// receive the scope as their window onto storage and event emission.
func (p *Publisher) NewScope(fork *storage.Fork, auth AuthContext) *Scope {
	return &Scope{fork: fork, auth: auth, pub: p}
}

// Publish appends the event to the scope's fork-local event log and runs
// its synchronous listeners sequentially against that same fork. The first
// listener failure propagates immediately; async listeners for the type
// are queued instead, capturing the event and the scope's auth context.
func (p *Publisher) Publish(ctx context.Context, scope *Scope, eventType string, payload record.Fields) (record.Event, error) {
	e := record.Event{
		ID:        p.env.ids.NewID(),
		Type:      eventType,
		Payload:   record.CloneFields(payload),
		Seq:       p.env.clock.Next(),
		CreatedAt: p.env.now().UTC(),
	}

	if err := scope.fork.Events().Append(ctx, e); err != nil {
		return record.Event{}, fmt.Errorf("publish %s: %w", eventType, err)
	}

	for _, l := range p.env.registry.Listeners(eventType) {
		if l.Async {
			p.mu.Lock()
			p.pending = append(p.pending, pendingEntry{listener: l, event: e.Clone(), auth: scope.auth})
			p.mu.Unlock()
			continue
		}
		if err := l.Handle(ctx, scope, e.Clone()); err != nil {
			return record.Event{}, &ListenerError{Listener: l.Name, EventType: eventType, Err: err}
		}
	}

	return e, nil
}

// PendingAsync returns the number of queued async listener runs.
func (p *Publisher) PendingAsync() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// RunAsync executes the queued async listeners and blocks until the whole
// task tree below them quiesces.
//
// Each entry runs in its own goroutine against a brand-new fork of the
// (already updated) master, with a child publisher capturing any events
// the listener itself emits. On success the entry's fork merges and the
// child's own queue drains recursively. A failure, whether handler error
// or merge rejection, is logged and isolated: it cancels nothing else and never
// rolls back the already-merged command that queued it.
func (p *Publisher) RunAsync(ctx context.Context) {
	p.mu.Lock()
	entries := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	if p.depth >= p.env.maxDepth {
		p.env.logger.Error("async listener depth exceeded, dropping queued listeners",
			"depth", p.depth, "dropped", len(entries))
		return
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry pendingEntry) {
			defer wg.Done()
			p.runAsyncEntry(ctx, entry)
		}(entry)
	}
	wg.Wait()
}

func (p *Publisher) runAsyncEntry(ctx context.Context, entry pendingEntry) {
	logger := p.env.logger.With(
		"listener", entry.listener.Name,
		"event_type", entry.event.Type,
		"event_id", entry.event.ID,
	)

	fork := p.env.master.Fork()
	child := p.child()
	scope := child.NewScope(fork, entry.auth)

	if err := entry.listener.Handle(ctx, scope, entry.event.Clone()); err != nil {
		logger.Error("async listener failed, discarding its fork", "error", err)
		return
	}
	if err := fork.Merge(ctx); err != nil {
		logger.Error("async listener merge failed", "error", err)
		return
	}
	child.RunAsync(ctx)
}

// Scope is one handler's window onto a command execution: the fork it
// reads and writes, the auth context it runs under, and the publisher that
// sequences the events it emits.
type Scope struct {
	fork *storage.Fork
	auth AuthContext
	pub  *Publisher
}

// Store returns the fork-local view of a registered store.
func (s *Scope) Store(name string) storage.Store {
	return s.fork.Store(name)
}

// Auth returns the auth context this execution runs under.
func (s *Scope) Auth() AuthContext {
	return s.auth
}

// Emit publishes an event: it is appended to the fork's event log and its
// synchronous listeners run inline before Emit returns.
func (s *Scope) Emit(ctx context.Context, eventType string, payload record.Fields) (record.Event, error) {
	return s.pub.Publish(ctx, s, eventType, payload)
}

// Fork exposes the underlying fork. The executor uses it for merge;
// handlers normally stick to Store and Emit.
func (s *Scope) Fork() *storage.Fork {
	return s.fork
}
