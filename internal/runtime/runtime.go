// Package runtime composes an application context and executes its
// commands and queries.
//
// Composition is static: stores, commands, listeners, and views are
// declared up front, checked once, and frozen. Execution then follows the
// fork/merge discipline: every command runs on its own fork of master
// storage, synchronous listeners run inside the command's boundary, and
// async listeners run after the merge in their own transactions.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cuelang.org/go/cue/cuecontext"

	"github.com/estuarydb/estuary/internal/adapter"
	"github.com/estuarydb/estuary/internal/publish"
	"github.com/estuarydb/estuary/internal/record"
	"github.com/estuarydb/estuary/internal/storage"
)

// CommandHandler is the body of one command. It reads and writes through
// the scope's fork and emits events via scope.Emit; nothing it does is
// visible outside the command until the executor merges the fork.
type CommandHandler func(ctx context.Context, scope *publish.Scope, params record.Fields) (any, error)

// Command declares one named write operation.
type Command struct {
	Name string

	// Params is an optional CUE schema for the input payload, compiled at
	// composition time. Empty means the command accepts any payload.
	Params string

	Handle CommandHandler
}

// ProjectionFunc maintains one projection store from one event. It must
// depend only on the target store's state and the event, because replay
// reruns it over the full event history against an empty store.
type ProjectionFunc func(ctx context.Context, store storage.Store, e record.Event) error

// ViewHandler binds a projection function to the event type that drives it.
type ViewHandler struct {
	EventType string
	Apply     ProjectionFunc
}

// View declares a store as a projection: derived entirely from the event
// log and rebuildable at any time via Replay. During live operation its
// handlers run as synchronous listeners, so the projection updates in the
// same merge as the command that emitted the event.
type View struct {
	Store    string
	Handlers []ViewHandler
}

// Config declares an application context.
type Config struct {
	// Stores are the registered store names. The event store exists
	// implicitly; view stores must be listed here too.
	Stores []string

	Commands []Command

	// Listeners maps event type to ordered listeners. Order within a type
	// is execution order for synchronous listeners.
	Listeners map[string][]publish.Listener

	Views []View

	// Broadcaster, if set, receives every committed change batch.
	Broadcaster storage.Broadcaster

	// IDs generates event and record identities. Defaults to UUIDv7.
	IDs record.IDGenerator

	// Now stamps event creation times. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger

	// MaxAsyncDepth bounds cascading async listener generations.
	MaxAsyncDepth int

	// CommandTimeout bounds handler plus synchronous listener execution
	// per command. Zero means no bound.
	CommandTimeout time.Duration
}

type compiledCommand struct {
	def    Command
	schema *paramsSchema
}

// Runtime is a composed application context. All fields are read-only
// after New; Runtime is safe for concurrent use.
type Runtime struct {
	master   *storage.Master
	commands map[string]*compiledCommand
	views    map[string]View
	registry *publish.Registry
	clock    *publish.Clock
	ids      record.IDGenerator
	now      func() time.Time
	logger   *slog.Logger
	maxDepth int
	timeout  time.Duration

	async sync.WaitGroup
}

// New validates the declaration, compiles command schemas, registers the
// stores with the adapter, and resumes the event sequence clock from the
// persisted log.
func New(ctx context.Context, ad adapter.Adapter, cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var ids record.IDGenerator = cfg.IDs
	if ids == nil {
		ids = record.UUIDv7Generator{}
	}

	master, err := storage.NewMaster(ctx, ad, storage.Config{
		Stores:      cfg.Stores,
		Broadcaster: cfg.Broadcaster,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	cctx := cuecontext.New()
	commands := make(map[string]*compiledCommand, len(cfg.Commands))
	for _, cmd := range cfg.Commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("compose runtime: command with empty name")
		}
		if cmd.Handle == nil {
			return nil, fmt.Errorf("compose runtime: command %q has no handler", cmd.Name)
		}
		if _, ok := commands[cmd.Name]; ok {
			return nil, fmt.Errorf("compose runtime: duplicate command %q", cmd.Name)
		}
		cc := &compiledCommand{def: cmd}
		if cmd.Params != "" {
			cc.schema, err = compileParamsSchema(cctx, cmd.Name, cmd.Params)
			if err != nil {
				return nil, fmt.Errorf("compose runtime: %w", err)
			}
		}
		commands[cmd.Name] = cc
	}

	byType := make(map[string][]publish.Listener, len(cfg.Listeners))
	for typ, listeners := range cfg.Listeners {
		byType[typ] = append(byType[typ], listeners...)
	}

	views := make(map[string]View, len(cfg.Views))
	for _, v := range cfg.Views {
		if v.Store == storage.EventsStore {
			return nil, fmt.Errorf("compose runtime: the event store cannot be a view")
		}
		if !master.Has(v.Store) {
			return nil, fmt.Errorf("compose runtime: view store %q not registered", v.Store)
		}
		if _, ok := views[v.Store]; ok {
			return nil, fmt.Errorf("compose runtime: duplicate view for store %q", v.Store)
		}
		if len(v.Handlers) == 0 {
			return nil, fmt.Errorf("compose runtime: view %q has no handlers", v.Store)
		}
		for _, h := range v.Handlers {
			if h.EventType == "" || h.Apply == nil {
				return nil, fmt.Errorf("compose runtime: view %q has an incomplete handler", v.Store)
			}
			byType[h.EventType] = append(byType[h.EventType], viewListener(v.Store, h))
		}
		views[v.Store] = v
	}

	registry, err := publish.NewRegistry(byType)
	if err != nil {
		return nil, fmt.Errorf("compose runtime: %w", err)
	}

	lastSeq, err := master.Events().LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("compose runtime: resume event clock: %w", err)
	}

	return &Runtime{
		master:   master,
		commands: commands,
		views:    views,
		registry: registry,
		clock:    publish.NewClockAt(lastSeq),
		ids:      ids,
		now:      now,
		logger:   logger,
		maxDepth: cfg.MaxAsyncDepth,
		timeout:  cfg.CommandTimeout,
	}, nil
}

// viewListener adapts a projection handler to a synchronous listener that
// writes through whatever fork the triggering command runs on.
func viewListener(store string, h ViewHandler) publish.Listener {
	return publish.Listener{
		Name: fmt.Sprintf("view:%s", store),
		Handle: func(ctx context.Context, scope *publish.Scope, e record.Event) error {
			return h.Apply(ctx, scope.Store(store), e)
		},
	}
}

// Master exposes the composed master storage for infrastructure that sits
// beside the executor, such as replication intake and inspection tooling.
func (r *Runtime) Master() *storage.Master {
	return r.master
}

// Drain blocks until every in-flight async listener tree has quiesced.
// Primarily for shutdown and tests; commands never wait on it.
func (r *Runtime) Drain() {
	r.async.Wait()
}

func (r *Runtime) publisher() *publish.Publisher {
	return publish.New(publish.Config{
		Registry: r.registry,
		Master:   r.master,
		Clock:    r.clock,
		IDs:      r.ids,
		Now:      r.now,
		Logger:   r.logger,
		MaxDepth: r.maxDepth,
	})
}
