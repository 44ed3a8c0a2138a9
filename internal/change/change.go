// Package change defines the unit of mutation buffered by forks, batched at
// merge, and replicated over the notification channel.
//
// A Change describes one mutation to one record in one store. Changes are
// pure data: applying them to a current record value happens through Apply,
// which every adapter and the fork overlay share so a change means the same
// thing everywhere it is evaluated.
package change

import (
	"fmt"

	"github.com/estuarydb/estuary/internal/record"
)

// Kind tags the mutation a Change describes.
type Kind string

const (
	// KindSet creates or fully replaces a record.
	KindSet Kind = "set"
	// KindDelete marks a record soft-deleted.
	KindDelete Kind = "delete"
	// KindModify applies a shallow partial field update.
	KindModify Kind = "modify"
	// KindMutate applies a precomputed structural patch (see Patch).
	KindMutate Kind = "mutate"
)

// Change is one tagged mutation. Exactly one of Record, Fields, or Patch is
// populated depending on Kind; ID is always set.
type Change struct {
	Kind   Kind           `json:"kind"`
	ID     string         `json:"id"`
	Record *record.Record `json:"record,omitempty"`
	Fields record.Fields  `json:"fields,omitempty"`
	Patch  Patch          `json:"patch,omitempty"`
}

// Set builds a full-replacement change.
func Set(r *record.Record) Change {
	return Change{Kind: KindSet, ID: r.ID, Record: r}
}

// Delete builds a soft-delete change.
func Delete(id string) Change {
	return Change{Kind: KindDelete, ID: id}
}

// Modify builds a shallow partial-update change.
func Modify(id string, fields record.Fields) Change {
	return Change{Kind: KindModify, ID: id, Fields: fields}
}

// Mutate builds a structural-patch change.
func Mutate(id string, patch Patch) Change {
	return Change{Kind: KindMutate, ID: id, Patch: patch}
}

// Batch groups the changes merged into one store in one commit.
// Batches are also the wire unit broadcast over the notification channel.
type Batch struct {
	Store   string   `json:"store"`
	Changes []Change `json:"changes"`
}

// Apply evaluates a change against the current record value and returns the
// resulting record, or nil when the change leaves nothing live to store
// (modify/mutate of an absent identity).
//
// current may be nil (identity not present). The returned record is always a
// fresh value; current is never mutated.
//
// Version discipline: set assigns current.Version+1 unless the incoming
// record already carries a higher version (replicated changes keep their
// origin's version). Delete, modify, and mutate increment.
func Apply(current *record.Record, c Change) (*record.Record, error) {
	switch c.Kind {
	case KindSet:
		if c.Record == nil {
			return nil, fmt.Errorf("set change %q carries no record", c.ID)
		}
		next := c.Record.Clone()
		next.ID = c.ID
		if current != nil && next.Version <= current.Version {
			next.Version = current.Version + 1
		}
		if next.Version == 0 {
			next.Version = 1
		}
		return next, nil

	case KindDelete:
		if current == nil {
			// Deleting an absent identity is a no-op.
			return nil, nil
		}
		next := current.Clone()
		next.Deleted = true
		next.Version++
		return next, nil

	case KindModify:
		if current == nil {
			return nil, nil
		}
		next := current.Clone()
		for k, v := range c.Fields {
			next.Fields[k] = v
		}
		next.Version++
		return next, nil

	case KindMutate:
		if current == nil {
			return nil, nil
		}
		next := current.Clone()
		next.Fields = ApplyPatch(next.Fields, c.Patch)
		next.Version++
		return next, nil

	default:
		return nil, fmt.Errorf("unknown change kind %q", c.Kind)
	}
}

// Validate checks structural well-formedness before a change is buffered or
// accepted from the wire.
func Validate(c Change) error {
	if c.ID == "" {
		return fmt.Errorf("%s change has empty id", c.Kind)
	}
	switch c.Kind {
	case KindSet:
		if c.Record == nil {
			return fmt.Errorf("set change %q carries no record", c.ID)
		}
		if c.Record.ID != "" && c.Record.ID != c.ID {
			return fmt.Errorf("set change id %q does not match record id %q", c.ID, c.Record.ID)
		}
	case KindDelete:
	case KindModify:
		if len(c.Fields) == 0 {
			return fmt.Errorf("modify change %q carries no fields", c.ID)
		}
	case KindMutate:
		if c.Patch == nil {
			return fmt.Errorf("mutate change %q carries no patch", c.ID)
		}
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	return nil
}
