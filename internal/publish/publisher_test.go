package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuarydb/estuary/internal/adapter/memory"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
	"github.com/estuarydb/estuary/internal/storage"
	"github.com/estuarydb/estuary/internal/testutil"
)

func newTestMaster(t *testing.T, stores ...string) *storage.Master {
	t.Helper()
	ad := memory.New()
	t.Cleanup(func() { ad.Close() })
	m, err := storage.NewMaster(context.Background(), ad, storage.Config{Stores: stores})
	require.NoError(t, err)
	return m
}

func newTestPublisher(t *testing.T, m *storage.Master, byType map[string][]Listener) *Publisher {
	t.Helper()
	reg, err := NewRegistry(byType)
	require.NoError(t, err)
	return New(Config{
		Registry: reg,
		Master:   m,
		IDs:      record.NewSequenceGenerator("ev"),
		Now:      testutil.FrozenNow(time.Unix(1700000000, 0).UTC()),
		Logger:   testutil.SilentLogger(),
	})
}

func TestPublish_SyncListenersRunInOrderOnSameFork(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "trail")

	var order []string
	var mu sync.Mutex
	mark := func(name string) Listener {
		return Listener{Name: name, Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return scope.Store("trail").Set(ctx, record.New(name, record.Fields{"by": name}))
		}}
	}

	pub := newTestPublisher(t, m, map[string][]Listener{
		"ping": {mark("first"), mark("second"), mark("third")},
	})

	fork := m.Fork()
	scope := pub.NewScope(fork, AuthContext{Subject: "tester"})

	e, err := pub.Publish(ctx, scope, "ping", record.Fields{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, int64(1), e.Seq)

	// Listener writes landed on the command's fork, not on master.
	local, err := fork.Store("trail").Find(ctx, query.Criteria{})
	require.NoError(t, err)
	assert.Len(t, local, 3)

	committed, err := m.Store("trail").Find(ctx, query.Criteria{})
	require.NoError(t, err)
	assert.Empty(t, committed)
}

func TestPublish_SyncListenerFailurePropagates(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "trail")

	boom := errors.New("boom")
	var ranAfter bool
	pub := newTestPublisher(t, m, map[string][]Listener{
		"ping": {
			{Name: "fails", Handle: func(context.Context, *Scope, record.Event) error { return boom }},
			{Name: "after", Handle: func(context.Context, *Scope, record.Event) error {
				ranAfter = true
				return nil
			}},
		},
	})

	scope := pub.NewScope(m.Fork(), AuthContext{})
	_, err := pub.Publish(ctx, scope, "ping", nil)
	require.Error(t, err)
	assert.True(t, IsListenerError(err))
	assert.ErrorIs(t, err, boom)
	assert.False(t, ranAfter, "listeners after the failure must not run")
}

func TestPublish_AsyncListenersQueueOnly(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t)

	var ran bool
	pub := newTestPublisher(t, m, map[string][]Listener{
		"ping": {
			{Name: "later", Async: true, Handle: func(context.Context, *Scope, record.Event) error {
				ran = true
				return nil
			}},
		},
	})

	scope := pub.NewScope(m.Fork(), AuthContext{Subject: "ann"})
	_, err := pub.Publish(ctx, scope, "ping", nil)
	require.NoError(t, err)
	assert.False(t, ran, "async listeners must not run at publish time")
	assert.Equal(t, 1, pub.PendingAsync())
}

func TestRunAsync_FreshForkAndMerge(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "counters")
	require.NoError(t, m.Store("counters").Set(ctx, record.New("c1", record.Fields{"n": int64(0)})))

	pub := newTestPublisher(t, m, map[string][]Listener{
		"bump": {
			{Name: "inc", Async: true, Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
				_, err := scope.Store("counters").Modify(ctx, "c1", record.Fields{"n": int64(1)})
				return err
			}},
		},
	})

	commandFork := m.Fork()
	scope := pub.NewScope(commandFork, AuthContext{Subject: "ann"})
	_, err := pub.Publish(ctx, scope, "bump", nil)
	require.NoError(t, err)
	require.NoError(t, commandFork.Merge(ctx))

	pub.RunAsync(ctx)

	got, err := m.Store("counters").FindOne(ctx, query.ByID("c1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Fields["n"], "async listener effect committed")
}

func TestRunAsync_FailureIsolated(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "trail")

	pub := newTestPublisher(t, m, map[string][]Listener{
		"ping": {
			{Name: "bad", Async: true, Handle: func(context.Context, *Scope, record.Event) error {
				return errors.New("boom")
			}},
			{Name: "good", Async: true, Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
				return scope.Store("trail").Set(ctx, record.New("ok", nil))
			}},
		},
	})

	commandFork := m.Fork()
	scope := pub.NewScope(commandFork, AuthContext{})
	_, err := pub.Publish(ctx, scope, "ping", nil)
	require.NoError(t, err)
	require.NoError(t, commandFork.Merge(ctx))

	pub.RunAsync(ctx)

	got, err := m.Store("trail").FindOne(ctx, query.ByID("ok"))
	require.NoError(t, err)
	assert.NotNil(t, got, "sibling async listener unaffected by the failure")
}

func TestRunAsync_ChildEventsCascade(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "trail")

	pub := newTestPublisher(t, m, map[string][]Listener{
		"first": {
			{Name: "relay", Async: true, Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
				_, err := scope.Emit(ctx, "second", nil)
				return err
			}},
		},
		"second": {
			{Name: "leaf", Async: true, Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
				return scope.Store("trail").Set(ctx, record.New("leaf", nil))
			}},
		},
	})

	commandFork := m.Fork()
	scope := pub.NewScope(commandFork, AuthContext{})
	_, err := pub.Publish(ctx, scope, "first", nil)
	require.NoError(t, err)
	require.NoError(t, commandFork.Merge(ctx))

	pub.RunAsync(ctx)

	got, err := m.Store("trail").FindOne(ctx, query.ByID("leaf"))
	require.NoError(t, err)
	assert.NotNil(t, got, "async listeners cascade through child publishers")

	// Both events reached the shared event log.
	var types []string
	require.NoError(t, m.Events().Scan(ctx, func(e record.Event) error {
		types = append(types, e.Type)
		return nil
	}))
	assert.Equal(t, []string{"first", "second"}, types)
}

func TestRunAsync_DepthBounded(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "trail")

	reg, err := NewRegistry(map[string][]Listener{
		"loop": {
			{Name: "again", Async: true, Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
				_, err := scope.Emit(ctx, "loop", nil)
				return err
			}},
		},
	})
	require.NoError(t, err)

	pub := New(Config{
		Registry: reg,
		Master:   m,
		IDs:      record.NewSequenceGenerator("ev"),
		Logger:   testutil.SilentLogger(),
		MaxDepth: 3,
	})

	commandFork := m.Fork()
	scope := pub.NewScope(commandFork, AuthContext{})
	_, err = pub.Publish(ctx, scope, "loop", nil)
	require.NoError(t, err)
	require.NoError(t, commandFork.Merge(ctx))

	// Must terminate despite the self-feeding event chain.
	pub.RunAsync(ctx)

	count := 0
	require.NoError(t, m.Events().Scan(ctx, func(record.Event) error {
		count++
		return nil
	}))
	assert.Equal(t, 4, count, "root publish plus one event per allowed level")
}

func TestTranslator_EmitsTargetEvent(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, "profiles")

	var targetRuns int
	pub := newTestPublisher(t, m, map[string][]Listener{
		"userImported": {
			Translator("import-to-created", "userCreated", func(e record.Event) (record.Fields, error) {
				return record.Fields{"userId": e.Payload["externalId"]}, nil
			}),
		},
		"userCreated": {
			{Name: "project", Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
				targetRuns++
				id, _ := e.Payload["userId"].(string)
				return scope.Store("profiles").Set(ctx, record.New(id, record.Fields{"postCount": int64(0)}))
			}},
		},
	})

	fork := m.Fork()
	scope := pub.NewScope(fork, AuthContext{})
	_, err := pub.Publish(ctx, scope, "userImported", record.Fields{"externalId": "u1"})
	require.NoError(t, err)
	require.NoError(t, fork.Merge(ctx))

	assert.Equal(t, 1, targetRuns, "target listener fires exactly once")

	got, err := m.Store("profiles").FindOne(ctx, query.ByID("u1"))
	require.NoError(t, err)
	require.NotNil(t, got)

	var types []string
	require.NoError(t, m.Events().Scan(ctx, func(e record.Event) error {
		types = append(types, e.Type)
		return nil
	}))
	assert.Equal(t, []string{"userImported", "userCreated"}, types,
		"translation appends the target event after the source")
}
