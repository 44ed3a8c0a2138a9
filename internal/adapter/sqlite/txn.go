package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// readTxn wraps one *sql.Tx and serves reads.
type readTxn struct {
	tx   *sql.Tx
	done bool
}

func (t *readTxn) Get(ctx context.Context, store, id string) (*record.Record, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, fields, version, deleted FROM records
		WHERE store = ? AND id = ?
	`, store, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", store, id, err)
	}
	return r, nil
}

// Find pushes supported predicates into SQL (see compile.go) and evaluates
// the full criteria in Go afterwards, so ordering and edge-case semantics
// are identical to the memory backend.
func (t *readTxn) Find(ctx context.Context, store string, c query.Criteria) ([]*record.Record, error) {
	where, params := compileFilter(store, c)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, fields, version, deleted FROM records
		WHERE `+where+`
		ORDER BY id COLLATE BINARY ASC
	`, params...)
	if err != nil {
		return nil, fmt.Errorf("find in %q: %w", store, err)
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("find in %q: %w", store, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find in %q: iterate: %w", store, err)
	}

	return query.Apply(c, records)
}

func (t *readTxn) End() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("end txn: %w", err)
	}
	return nil
}

// writeTxn adds batch mutation on top of readTxn.
type writeTxn struct {
	readTxn
}

// Apply evaluates each change against the row's current value inside the
// transaction and upserts the result. Reads within the same transaction
// observe prior applies.
func (t *writeTxn) Apply(ctx context.Context, store string, changes []change.Change) error {
	for _, c := range changes {
		if err := change.Validate(c); err != nil {
			return fmt.Errorf("apply to %q: %w", store, err)
		}

		current, err := t.Get(ctx, store, c.ID)
		if err != nil {
			return err
		}

		next, err := change.Apply(current, c)
		if err != nil {
			return fmt.Errorf("apply to %q: %w", store, err)
		}
		if next == nil {
			continue // modify/mutate of an absent identity
		}

		fieldsJSON, err := marshalFields(next.Fields)
		if err != nil {
			return fmt.Errorf("apply to %q: %w", store, err)
		}

		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO records (store, id, fields, version, deleted)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(store, id) DO UPDATE SET
				fields = excluded.fields,
				version = excluded.version,
				deleted = excluded.deleted
		`, store, next.ID, fieldsJSON, next.Version, boolToInt(next.Deleted))
		if err != nil {
			return fmt.Errorf("apply to %q: upsert %q: %w", store, next.ID, err)
		}
	}
	return nil
}

// Purge physically deletes every row in the store, including soft-deleted
// ones. Used by projection replay.
func (t *writeTxn) Purge(ctx context.Context, store string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE store = ?`, store); err != nil {
		return fmt.Errorf("purge %q: %w", store, err)
	}
	return nil
}

func (t *writeTxn) Commit() error {
	if t.done {
		return fmt.Errorf("commit: transaction finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit txn: %w", err)
	}
	return nil
}

func (t *writeTxn) Rollback() error {
	return t.readTxn.End()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		id         string
		fieldsJSON string
		version    int64
		deleted    int
	)
	if err := row.Scan(&id, &fieldsJSON, &version, &deleted); err != nil {
		return nil, err
	}

	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", id, err)
	}

	return &record.Record{
		ID:      id,
		Fields:  fields,
		Version: version,
		Deleted: deleted != 0,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
