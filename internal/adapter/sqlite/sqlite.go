// Package sqlite implements the adapter boundary on SQLite.
//
// It is the durable production backend: records live in a single table
// keyed by (store, id) with their fields as a JSON blob, and filter
// predicates are pushed down into SQL over json_extract where the SQL
// semantics provably match the engine's (see compile.go).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/estuarydb/estuary/internal/adapter"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (records + stores tables)
const currentSchemaVersion = 1

// Adapter is a SQLite-backed adapter.
//
// The connection pool is capped at one connection: SQLite allows a single
// writer, and funneling everything through one connection avoids
// SQLITE_BUSY errors while still letting WAL-mode readers in other
// processes proceed.
type Adapter struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically; idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Adapter{db: db}, nil
}

// Close closes the database connection.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// EnsureStore registers a store name. Idempotent.
func (a *Adapter) EnsureStore(ctx context.Context, name string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO stores (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, name)
	if err != nil {
		return fmt.Errorf("ensure store %q: %w", name, err)
	}
	return nil
}

// Stores returns every registered store name, sorted.
func (a *Adapter) Stores(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	return names, nil
}

// BeginRead opens a read transaction. The single-connection pool means the
// transaction sees a stable snapshot for its lifetime.
func (a *Adapter) BeginRead(ctx context.Context, stores []string) (adapter.ReadTxn, error) {
	if err := a.checkStores(ctx, stores); err != nil {
		return nil, err
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read txn: %w", err)
	}
	return &readTxn{tx: tx}, nil
}

// BeginReadWrite opens a read-write transaction.
func (a *Adapter) BeginReadWrite(ctx context.Context, stores []string) (adapter.ReadWriteTxn, error) {
	if err := a.checkStores(ctx, stores); err != nil {
		return nil, err
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read-write txn: %w", err)
	}
	return &writeTxn{readTxn: readTxn{tx: tx}}, nil
}

func (a *Adapter) checkStores(ctx context.Context, stores []string) error {
	for _, name := range stores {
		var one int
		err := a.db.QueryRowContext(ctx, `SELECT 1 FROM stores WHERE name = ?`, name).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("begin txn: unknown store %q", name)
		}
		if err != nil {
			return fmt.Errorf("begin txn: check store %q: %w", name, err)
		}
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Future migrations apply sequentially here based on version.

	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}
