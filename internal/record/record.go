// Package record defines the data model shared by every layer of the engine:
// mutable store records, immutable event instances, and the ID generators
// that mint their identities.
package record

import (
	"fmt"
	"time"
)

// IDField is the implicit identity field name used in wire and query forms.
const IDField = "_id"

// Fields holds a record's named values. Values are JSON-shaped: strings,
// numbers, booleans, nil, []any, and nested map[string]any.
type Fields = map[string]any

// Record is one row in a mutable store.
//
// Every record carries bookkeeping the engine maintains on its behalf:
// a unique identity within its store, a soft-delete flag, and a version
// counter that increments on every modify/mutate/replace. Handlers should
// treat Version and Deleted as read-only.
type Record struct {
	ID      string `json:"id"`
	Fields  Fields `json:"fields,omitempty"`
	Version int64  `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// New creates a record with version 1 and a copy of the given fields.
func New(id string, fields Fields) *Record {
	return &Record{ID: id, Fields: CloneFields(fields), Version: 1}
}

// Clone returns a deep copy. Mutating the copy's fields never affects the
// original, which lets forks hand out cached records safely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		ID:      r.ID,
		Fields:  CloneFields(r.Fields),
		Version: r.Version,
		Deleted: r.Deleted,
	}
}

// Field returns the named field value and whether it is present.
// The identity field resolves to the record's ID.
func (r *Record) Field(name string) (any, bool) {
	if name == IDField {
		return r.ID, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

func (r *Record) String() string {
	return fmt.Sprintf("record(%s v%d deleted=%t)", r.ID, r.Version, r.Deleted)
}

// CloneFields deep-copies a field map. Nested maps and slices are copied;
// scalar values are shared (they are immutable in JSON-shaped data).
func CloneFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Event is an immutable fact appended to the shared event store.
//
// Events are never soft-deleted or versioned. Seq is a logical sequence
// number stamped at publish time; it defines creation order for replay
// independently of wall-clock resolution.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   Fields    `json:"payload"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the event. Listeners receive clones so a
// misbehaving handler cannot alter the stored fact.
func (e Event) Clone() Event {
	e.Payload = CloneFields(e.Payload)
	return e
}
