package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

func openTestAdapter(t *testing.T, stores ...string) *Adapter {
	t.Helper()
	a, err := Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	for _, s := range stores {
		require.NoError(t, a.EnsureStore(context.Background(), s))
	}
	return a
}

func commitSet(t *testing.T, a *Adapter, store string, recs ...*record.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := a.BeginReadWrite(ctx, []string{store})
	require.NoError(t, err)
	changes := make([]change.Change, len(recs))
	for i, r := range recs {
		changes[i] = change.Set(r)
	}
	require.NoError(t, tx.Apply(ctx, store, changes))
	require.NoError(t, tx.Commit())
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/estuary.db"

	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.EnsureStore(context.Background(), "users"))
	commitSet(t, a, "users", record.New("u1", record.Fields{"name": "Ann"}))
	require.NoError(t, a.Close())

	// Durable across reopen; EnsureStore stays idempotent.
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.EnsureStore(context.Background(), "users"))

	names, err := b.Stores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)

	rt, err := b.BeginRead(context.Background(), []string{"users"})
	require.NoError(t, err)
	defer rt.End()
	got, err := rt.Get(context.Background(), "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ann", got.Fields["name"])
}

func TestBegin_UnknownStore(t *testing.T) {
	a := openTestAdapter(t, "users")
	_, err := a.BeginRead(context.Background(), []string{"ghosts"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store")
}

func TestWriteTxn_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t, "users")

	tx, err := a.BeginReadWrite(ctx, []string{"users"})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx, "users", []change.Change{
		change.Set(record.New("u1", record.Fields{"name": "Ann"})),
	}))
	require.NoError(t, tx.Rollback())

	rt, err := a.BeginRead(ctx, []string{"users"})
	require.NoError(t, err)
	defer rt.End()
	got, err := rt.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteTxn_ChangeKindsChain(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t, "users")

	tx, err := a.BeginReadWrite(ctx, []string{"users"})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx, "users", []change.Change{
		change.Set(record.New("u1", record.Fields{"name": "Ann", "meta": map[string]any{"visits": 0}})),
		change.Modify("u1", record.Fields{"name": "Ann B."}),
		change.Mutate("u1", change.Patch{"meta": map[string]any{"visits": 1}}),
		change.Delete("u1"),
	}))
	require.NoError(t, tx.Commit())

	rt, err := a.BeginRead(ctx, []string{"users"})
	require.NoError(t, err)
	defer rt.End()
	got, err := rt.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "Ann B.", got.Fields["name"])
	// Numbers come back as float64 from the JSON round-trip.
	assert.EqualValues(t, 1, got.Fields["meta"].(map[string]any)["visits"])
}

func TestWriteTxn_ModifyAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t, "users")

	tx, err := a.BeginReadWrite(ctx, []string{"users"})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx, "users", []change.Change{
		change.Modify("ghost", record.Fields{"name": "Nope"}),
	}))
	require.NoError(t, tx.Commit())

	rt, err := a.BeginRead(ctx, []string{"users"})
	require.NoError(t, err)
	defer rt.End()
	got, err := rt.Get(ctx, "users", "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFind_Criteria(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t, "users")
	commitSet(t, a, "users",
		record.New("u1", record.Fields{"name": "Ann", "age": 30, "admin": true}),
		record.New("u2", record.Fields{"name": "Bea", "age": 25}),
		record.New("u3", record.Fields{"name": "Cid", "age": 20, "admin": false}),
	)

	find := func(c query.Criteria) []string {
		rt, err := a.BeginRead(ctx, []string{"users"})
		require.NoError(t, err)
		defer rt.End()
		got, err := rt.Find(ctx, "users", c)
		require.NoError(t, err)
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		return ids
	}

	tests := []struct {
		name string
		c    query.Criteria
		want []string
	}{
		{"all, id order", query.Criteria{}, []string{"u1", "u2", "u3"}},
		{"eq string", query.Criteria{Filter: query.Filter{"name": query.Eq("Bea")}}, []string{"u2"}},
		{"eq id", query.ByID("u3"), []string{"u3"}},
		{"eq bool", query.Criteria{Filter: query.Filter{"admin": query.Eq(true)}}, []string{"u1"}},
		{"ne keeps absent", query.Criteria{Filter: query.Filter{"admin": query.Ne(true)}}, []string{"u2", "u3"}},
		{"numeric range", query.Criteria{Filter: query.Filter{"age": query.Gte(25)}}, []string{"u1", "u2"}},
		{"in set", query.Criteria{Filter: query.Filter{"name": query.In("Ann", "Cid")}}, []string{"u1", "u3"}},
		{"nin keeps absent", query.Criteria{Filter: query.Filter{"admin": query.Nin(true)}}, []string{"u2", "u3"}},
		{"exists", query.Criteria{Filter: query.Filter{"admin": query.Exists(true)}}, []string{"u1", "u3"}},
		{"not exists", query.Criteria{Filter: query.Filter{"admin": query.Exists(false)}}, []string{"u2"}},
		{"sort desc", query.Criteria{Sort: []query.SortKey{{Field: "age", Descending: true}}}, []string{"u1", "u2", "u3"}},
		{"limit offset", query.Criteria{Sort: []query.SortKey{{Field: "age"}}, Offset: 1, Limit: 1}, []string{"u2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, find(tt.c))
		})
	}
}

func TestFind_UnsafeFieldFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t, "users")
	commitSet(t, a, "users",
		record.New("u1", record.Fields{"weird.name": "Ann"}),
		record.New("u2", record.Fields{"weird.name": "Bea"}),
	)

	rt, err := a.BeginRead(ctx, []string{"users"})
	require.NoError(t, err)
	defer rt.End()
	got, err := rt.Find(ctx, "users", query.Criteria{
		Filter: query.Filter{"weird.name": query.Eq("Bea")},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].ID)
}

func TestWriteTxn_Purge(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t, "users", "logs")
	commitSet(t, a, "users", record.New("u1", record.Fields{"name": "Ann"}))
	commitSet(t, a, "logs", record.New("l1", record.Fields{"msg": "hello"}))

	tx, err := a.BeginReadWrite(ctx, []string{"users"})
	require.NoError(t, err)
	require.NoError(t, tx.Purge(ctx, "users"))
	require.NoError(t, tx.Commit())

	rt, err := a.BeginRead(ctx, []string{"users", "logs"})
	require.NoError(t, err)
	defer rt.End()

	users, err := rt.Find(ctx, "users", query.Criteria{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, users, "purge removes rows physically")

	logs, err := rt.Find(ctx, "logs", query.Criteria{})
	require.NoError(t, err)
	assert.Len(t, logs, 1, "other stores untouched")
}
