// Package storage provides the persistent keyspace the execution core
// runs against.
//
// The model mirrors a copy-on-write database: readers take a Snapshot,
// transaction execution happens inside a Fork (an uncommitted in-memory
// overlay over a snapshot), and a fork's accumulated Patch is merged back
// atomically when the surrounding block commits.
//
// Merkle-tree indexing is deliberately out of scope here; the backing
// store is a flat key-value table in SQLite. The single-writer discipline
// of the consensus loop means at most one fork is merged at a time.
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Database is a SQLite-backed key-value store.
// Uses WAL mode for concurrent read access during writes.
type Database struct {
	db *sql.DB
}

// Open creates or opens a database at the given path.
// Applies required pragmas and the schema automatically; idempotent.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under merge load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Database{db: db}, nil
}

// OpenTemporary opens a fresh in-memory database. Primarily for tests
// and run-dev nodes; contents are lost on Close.
func OpenTemporary() (*Database, error) {
	return Open(":memory:")
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Snapshot returns a read view over the committed keyspace. The view is
// live, not point-in-time: a retained Snapshot observes later merges.
// Under the single-writer discipline reads between merges are stable.
func (d *Database) Snapshot() *Snapshot {
	return &Snapshot{db: d.db}
}

// Fork returns a mutable overlay over the current committed state.
// The fork is exclusively owned by one execution and must not be used
// after its patch has been merged.
func (d *Database) Fork() *Fork {
	return &Fork{
		snapshot: d.Snapshot(),
		changes:  make(map[string]change),
	}
}

// Merge atomically applies a patch to the committed keyspace.
// Either every operation in the patch lands or none do.
func (d *Database) Merge(patch Patch) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	for _, op := range patch {
		if op.Deleted {
			_, err = tx.Exec(`DELETE FROM kv WHERE key = ?`, op.Key)
		} else {
			_, err = tx.Exec(`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, op.Key, op.Value)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("merge key %x: %w", op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Snapshot is a read-only view over committed state. It tracks the
// database rather than freezing a version: values read through it
// reflect whatever has been merged by the time of each Get.
type Snapshot struct {
	db *sql.DB
}

// Get returns the committed value for key. The second return value
// reports presence.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get key %x: %w", key, err)
	}
	return value, true, nil
}
