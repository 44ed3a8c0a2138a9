// Command estuary runs a demo application context: an order-taking
// domain with a projection and an async notification listener. Real
// deployments embed internal/cli with their own composer.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/estuarydb/estuary/internal/cli"
	"github.com/estuarydb/estuary/internal/publish"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
	"github.com/estuarydb/estuary/internal/runtime"
	"github.com/estuarydb/estuary/internal/storage"
)

func main() {
	root := cli.NewRootCommand(compose)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func compose() runtime.Config {
	return runtime.Config{
		Stores: []string{"orders", "orderCounts"},
		Commands: []runtime.Command{
			{
				Name: "placeOrder",
				Params: `{
					orderId:  string
					item:     string
					quantity: int & >0
				}`,
				Handle: placeOrder,
			},
			{
				Name:   "cancelOrder",
				Params: `{ orderId: string }`,
				Handle: cancelOrder,
			},
		},
		Views: []runtime.View{
			{
				Store: "orderCounts",
				Handlers: []runtime.ViewHandler{
					{EventType: "orderPlaced", Apply: bumpCount(1)},
					{EventType: "orderCancelled", Apply: bumpCount(-1)},
				},
			},
		},
	}
}

func placeOrder(ctx context.Context, scope *publish.Scope, params record.Fields) (any, error) {
	id, _ := params["orderId"].(string)
	r := record.New(id, record.Fields{
		"item":     params["item"],
		"quantity": params["quantity"],
		"status":   "open",
	})
	if err := scope.Store("orders").Set(ctx, r); err != nil {
		return nil, err
	}
	if _, err := scope.Emit(ctx, "orderPlaced", record.Fields{"orderId": id}); err != nil {
		return nil, err
	}
	return id, nil
}

func cancelOrder(ctx context.Context, scope *publish.Scope, params record.Fields) (any, error) {
	id, _ := params["orderId"].(string)
	delta, err := scope.Store("orders").Modify(ctx, id, record.Fields{"status": "cancelled"})
	if err != nil {
		return nil, err
	}
	if delta.Absent() {
		return nil, fmt.Errorf("order %q not found", id)
	}
	if _, err := scope.Emit(ctx, "orderCancelled", record.Fields{"orderId": id}); err != nil {
		return nil, err
	}
	return id, nil
}

func bumpCount(by int64) runtime.ProjectionFunc {
	return func(ctx context.Context, store storage.Store, e record.Event) error {
		current, err := store.FindOne(ctx, query.ByID("total"))
		if err != nil {
			return err
		}
		n := int64(0)
		if current != nil {
			n = asInt64(current.Fields["count"])
		}
		return store.Set(ctx, record.New("total", record.Fields{"count": n + by}))
	}
}

// asInt64 tolerates the numeric widening a JSON round trip through the
// SQLite backend applies.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
