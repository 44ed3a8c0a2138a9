package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// EventsStore is the reserved name of the shared append-only event store.
// It is registered implicitly on every master and is the one store that is
// never a projection target: every other store can be rebuilt from it.
const EventsStore = "_events"

// Field names of the event record shape.
const (
	eventFieldType    = "type"
	eventFieldPayload = "payload"
	eventFieldSeq     = "seq"
	eventFieldCreated = "createdAt"
)

// EventLog wraps a Store view (master- or fork-backed) of the event store.
// Events are append-only: the log exposes no update or delete path, and
// stored events carry no mutable version semantics a caller should rely on.
type EventLog struct {
	store Store
}

// NewEventLog wraps a view of the event store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append writes one event. Through a fork view the append buffers with the
// command's other effects and commits atomically at merge.
func (l *EventLog) Append(ctx context.Context, e record.Event) error {
	if e.ID == "" {
		return fmt.Errorf("append event: empty id")
	}
	if e.Type == "" {
		return fmt.Errorf("append event %q: empty type", e.ID)
	}
	return l.store.Set(ctx, eventToRecord(e))
}

// Scan streams every event in creation (seq) order.
func (l *EventLog) Scan(ctx context.Context, fn func(record.Event) error) error {
	records, err := l.store.Find(ctx, query.Criteria{
		Sort: []query.SortKey{{Field: eventFieldSeq}},
	})
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}
	for _, r := range records {
		e, err := eventFromRecord(r)
		if err != nil {
			return fmt.Errorf("scan events: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// LastSeq returns the highest stored sequence number, or 0 when the log is
// empty. Used to resume the logical clock on startup.
func (l *EventLog) LastSeq(ctx context.Context) (int64, error) {
	top, err := l.store.FindOne(ctx, query.Criteria{
		Sort: []query.SortKey{{Field: eventFieldSeq, Descending: true}},
	})
	if err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	if top == nil {
		return 0, nil
	}
	e, err := eventFromRecord(top)
	if err != nil {
		return 0, err
	}
	return e.Seq, nil
}

func eventToRecord(e record.Event) *record.Record {
	return &record.Record{
		ID: e.ID,
		Fields: record.Fields{
			eventFieldType:    e.Type,
			eventFieldPayload: record.CloneFields(e.Payload),
			eventFieldSeq:     e.Seq,
			eventFieldCreated: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Version: 1,
	}
}

func eventFromRecord(r *record.Record) (record.Event, error) {
	typ, _ := r.Fields[eventFieldType].(string)
	if typ == "" {
		return record.Event{}, fmt.Errorf("event %q: missing type", r.ID)
	}

	payload, _ := r.Fields[eventFieldPayload].(map[string]any)

	seq, ok := asInt64(r.Fields[eventFieldSeq])
	if !ok {
		return record.Event{}, fmt.Errorf("event %q: missing seq", r.ID)
	}

	createdRaw, _ := r.Fields[eventFieldCreated].(string)
	created, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return record.Event{}, fmt.Errorf("event %q: parse createdAt: %w", r.ID, err)
	}

	return record.Event{
		ID:        r.ID,
		Type:      typ,
		Payload:   record.CloneFields(payload),
		Seq:       seq,
		CreatedAt: created,
	}, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
