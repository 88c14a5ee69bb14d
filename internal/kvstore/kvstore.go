// Package kvstore provides the narrow ordered key-value primitive that
// MappingRepository is built on. The real persistent KV store is an
// out-of-scope collaborator (spec.md §1); this package is the concrete
// stand-in this repo ships so the engine has somewhere durable to write,
// implemented the way the teacher repo reaches for sqlite for local
// persistence.
package kvstore

import (
	"context"
	"database/sql"

	// The pure cgo driver the teacher vendors. Kept as the default; any
	// database/sql driver registered under "sqlite3" works here.
	_ "github.com/mattn/go-sqlite3"

	"github.com/pkg/errors"
)

// KVStore is an ordered, namespaced byte-key store. Keys sort
// lexicographically within a namespace, which MappingRepository relies on
// for range scans (e.g. enumerating all webhookToken entries).
type KVStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	// DeleteNamespace drops every key under namespace, used by
	// MappingRepository.delete() on pairing unregister.
	DeleteNamespace(ctx context.Context, namespace string) error
	// DeleteNamespacePrefix drops every namespace whose name has the given
	// prefix, for tables like messageHashes that fan out one namespace per
	// channel under a shared pairing prefix.
	DeleteNamespacePrefix(ctx context.Context, prefix string) error
	// Scan returns every key/value pair in namespace whose key has the
	// given prefix, as a map (so the result carries no key order).
	Scan(ctx context.Context, namespace, prefix string) (map[string][]byte, error)
	Close() error
}

// SQLiteStore implements KVStore over a single table, keyed by
// (namespace, key) with an index that gives us the ordering Scan needs.
type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create kv table")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	var value []byte
	switch err := row.Scan(&value); err {
	case nil:
		return value, true, nil
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, errors.Wrap(err, "get")
	}
}

func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
	`, namespace, key, value)
	return errors.Wrap(err, "put")
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	return errors.Wrap(err, "delete")
}

func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace)
	return errors.Wrap(err, "delete namespace")
}

func (s *SQLiteStore) DeleteNamespacePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace >= ? AND namespace < ?`, prefix, prefix+"\xff")
	return errors.Wrap(err, "delete namespace prefix")
}

func (s *SQLiteStore) Scan(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv
		WHERE namespace = ? AND key >= ? AND key < ?
		ORDER BY key ASC
	`, namespace, prefix, prefix+"\xff")
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
