// Package storage implements the fork/merge transactional model over the
// adapter boundary.
//
// Master storage is the committed source of truth: one Store per registered
// name, mutated only through merge batches. A Fork is an ephemeral overlay
// created for one command execution; it buffers changes and caches reads
// until it is merged (commit) or dropped (rollback, which costs nothing).
package storage

import (
	"context"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// PatchFunc computes a structural patch from a record's current fields.
// The patch, not the function, is what gets buffered and replicated.
type PatchFunc func(current record.Fields) (change.Patch, error)

// Delta reports the pre- and post-update values of a modify/mutate.
// Both are nil when the identity did not exist (the operation was a no-op);
// callers must check.
type Delta struct {
	Previous *record.Record
	Next     *record.Record
}

// Absent reports whether the operation hit a non-existent identity.
func (d Delta) Absent() bool { return d.Previous == nil && d.Next == nil }

// Store is one named collection of records. Both master-backed stores and
// fork-local views implement it, so handlers are written once and run
// against whichever view the executor hands them.
type Store interface {
	Name() string

	// Find returns records matching the criteria. Soft-deleted records are
	// excluded unless the criteria opts in.
	Find(ctx context.Context, c query.Criteria) ([]*record.Record, error)

	// FindOne returns the first match or nil.
	FindOne(ctx context.Context, c query.Criteria) (*record.Record, error)

	// Set creates or fully replaces the record with its identity.
	Set(ctx context.Context, r *record.Record) error

	// Remove marks the record soft-deleted. Removing an absent identity is
	// a no-op.
	Remove(ctx context.Context, id string) error

	// Modify applies a shallow partial field update and bumps the version.
	Modify(ctx context.Context, id string, fields record.Fields) (Delta, error)

	// Mutate computes a structural patch against the current value, applies
	// it, and bumps the version.
	Mutate(ctx context.Context, id string, patch PatchFunc) (Delta, error)

	// ApplyChanges applies a batch of changes in order. This is the entry
	// point for replicated change batches from the notification channel.
	ApplyChanges(ctx context.Context, changes []change.Change) error
}

// findOne narrows a criteria to one result. Shared by both store views.
func findOne(ctx context.Context, s Store, c query.Criteria) (*record.Record, error) {
	c.Limit = 1
	c.Offset = 0
	matches, err := s.Find(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}
