// Package publish sequences event listeners around the fork/merge cycle.
//
// Synchronous listeners run inline with the command, against the command's
// own fork, in registration order; their failure rolls the whole command
// back. Asynchronous listeners queue on the publisher and run only after
// the command merged, each in a fresh fork with its own child publisher, so
// their effects commit independently and their failures stay their own.
package publish

import (
	"context"
	"fmt"

	"github.com/estuarydb/estuary/internal/record"
)

// AuthContext carries the caller identity a command executed under.
// Queued async listeners capture it so deferred work runs as the same
// principal that triggered it.
type AuthContext struct {
	Subject string        `json:"subject,omitempty"`
	Claims  record.Fields `json:"claims,omitempty"`
}

// Handler is one listener body. It reads and writes through the scope's
// fork and may emit further events via the scope.
type Handler func(ctx context.Context, scope *Scope, e record.Event) error

// Listener binds a handler to the event type it is registered under.
type Listener struct {
	// Name labels the listener in logs and errors.
	Name string

	// Async defers the listener to after the triggering command's merge.
	Async bool

	Handle Handler
}

// Registry is the static event-type → ordered-listener table. It is built
// once at context composition and read-only afterwards; listener order
// within a type is execution order for the synchronous path.
type Registry struct {
	byType map[string][]Listener
}

// NewRegistry copies the listener tables into a frozen registry.
func NewRegistry(byType map[string][]Listener) (*Registry, error) {
	copied := make(map[string][]Listener, len(byType))
	for typ, listeners := range byType {
		if typ == "" {
			return nil, fmt.Errorf("compose registry: empty event type")
		}
		ls := make([]Listener, len(listeners))
		copy(ls, listeners)
		for i, l := range ls {
			if l.Handle == nil {
				return nil, fmt.Errorf("compose registry: listener %d for %q has no handler", i, typ)
			}
			if l.Name == "" {
				ls[i].Name = fmt.Sprintf("%s[%d]", typ, i)
			}
		}
		copied[typ] = ls
	}
	return &Registry{byType: copied}, nil
}

// Listeners returns the ordered listeners for an event type.
// The returned slice must not be modified.
func (r *Registry) Listeners(eventType string) []Listener {
	return r.byType[eventType]
}

// Translator builds a synchronous listener that emits a target event
// translated from the source event it is registered under. The emitted
// event is the target type: downstream listeners of the target fire, the
// source's listeners do not fire twice.
func Translator(name, targetType string, translate func(e record.Event) (record.Fields, error)) Listener {
	return Listener{
		Name: name,
		Handle: func(ctx context.Context, scope *Scope, e record.Event) error {
			payload, err := translate(e)
			if err != nil {
				return fmt.Errorf("translate %s to %s: %w", e.Type, targetType, err)
			}
			if _, err := scope.Emit(ctx, targetType, payload); err != nil {
				return err
			}
			return nil
		},
	}
}
