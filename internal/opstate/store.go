// Package opstate provides a namespaced key-value store for persistent
// operational state: catalog sync marks, cycle counters, transport
// bookkeeping. It is for lightweight data that must survive restarts,
// not for the conversation or learning records, which have their own
// stores.
package opstate

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an operational state store at the given database
// path. The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple. Existing values are
// overwritten and the updated_at timestamp is refreshed.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Increment adds one to an integer-valued key and returns the new
// value. A missing or non-numeric value counts as zero.
func (s *Store) Increment(namespace, key string) (int64, error) {
	cur, err := s.Get(namespace, key)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(cur, 10, 64)
	n++
	if err := s.Set(namespace, key, strconv.FormatInt(n, 10)); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all key/value pairs for a namespace. Returns an empty
// (non-nil) map if the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Namespace returns a view of the store bound to one namespace, for
// components that should not see or name other namespaces.
func (s *Store) Namespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

// Namespace is a single-namespace view of a Store.
type Namespace struct {
	store *Store
	name  string
}

// Get returns the value for key in this namespace.
func (n *Namespace) Get(key string) (string, error) {
	return n.store.Get(n.name, key)
}

// Set upserts key to value in this namespace.
func (n *Namespace) Set(key, value string) error {
	return n.store.Set(n.name, key, value)
}

// Increment adds one to an integer-valued key in this namespace.
func (n *Namespace) Increment(key string) (int64, error) {
	return n.store.Increment(n.name, key)
}

// List returns all key/value pairs in this namespace.
func (n *Namespace) List() (map[string]string, error) {
	return n.store.List(n.name)
}
