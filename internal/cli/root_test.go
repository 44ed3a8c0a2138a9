package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuarydb/estuary/internal/publish"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
	"github.com/estuarydb/estuary/internal/runtime"
	"github.com/estuarydb/estuary/internal/storage"
)

// testComposer declares a tiny context: an addItem command and a counts
// projection tracking how many items exist.
func testComposer() runtime.Config {
	return runtime.Config{
		Stores: []string{"items", "counts"},
		Commands: []runtime.Command{
			{
				Name: "addItem",
				Handle: func(ctx context.Context, scope *publish.Scope, params record.Fields) (any, error) {
					id, _ := params["id"].(string)
					if err := scope.Store("items").Set(ctx, record.New(id, params)); err != nil {
						return nil, err
					}
					_, err := scope.Emit(ctx, "itemAdded", record.Fields{"id": id})
					return id, err
				},
			},
		},
		Views: []runtime.View{
			{
				Store: "counts",
				Handlers: []runtime.ViewHandler{
					{EventType: "itemAdded", Apply: func(ctx context.Context, store storage.Store, e record.Event) error {
						current, err := store.FindOne(ctx, query.ByID("items"))
						if err != nil {
							return err
						}
						n := int64(0)
						if current != nil {
							n, _ = current.Fields["n"].(int64)
						}
						return store.Set(ctx, record.New("items", record.Fields{"n": n + 1}))
					}},
				},
			},
		},
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(testComposer)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_RejectsInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "inspect", "items")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInspect_EmptyStore(t *testing.T) {
	out, err := execute(t, "inspect", "items")
	require.NoError(t, err)
	assert.Contains(t, out, "0 record(s)")
}

func TestInspect_UnknownStore(t *testing.T) {
	_, err := execute(t, "inspect", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInspect_JSONFormat(t *testing.T) {
	out, err := execute(t, "--format", "json", "inspect", "counts")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
}

func TestReplay_UnknownView(t *testing.T) {
	_, err := execute(t, "replay", "items")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestReplay_EmptyLog(t *testing.T) {
	out, err := execute(t, "replay", "counts")
	require.NoError(t, err)
	assert.Contains(t, out, "replayed counts")
}
