// Package pgstore provides a PostgreSQL mirror backend. A replica's
// entries live in a single table of key, JSONB payload and update
// timestamp, so one database can host many mirrors by table name.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"pkt.systems/synctree/mirror"
)

// Store implements mirror.Store on a PostgreSQL table.
type Store struct {
	db    *sql.DB
	table string
	ownDB bool
}

// New wraps an existing connection pool. The table is not created; call
// EnsureSchema or manage the DDL externally.
func New(db *sql.DB, table string) (*Store, error) {
	if db == nil {
		return nil, errors.New("pgstore: nil db")
	}
	if table == "" {
		return nil, errors.New("pgstore: empty table name")
	}
	return &Store{db: db, table: table}, nil
}

// Open connects to dsn, verifies the connection and creates the table if
// it does not exist. Close releases the pool.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s, err := New(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownDB = true
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			entry_key TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool when the store opened it; stores
// built with New leave the pool to its owner.
func (s *Store) Close() error {
	if !s.ownDB {
		return nil
	}
	return s.db.Close()
}

// Put upserts one entry.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (entry_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entry_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("pgstore: put %q: %w", key, err)
	}
	return nil
}

// Get returns the entry's payload or mirror.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	query := fmt.Sprintf("SELECT payload FROM %s WHERE entry_key = $1", pq.QuoteIdentifier(s.table))
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mirror.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %q: %w", key, err)
	}
	return payload, nil
}

// Delete removes one entry; absent keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE entry_key = $1", pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("pgstore: delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s", pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("pgstore: clear: %w", err)
	}
	return nil
}

// ContainsKey reports whether the key is present.
func (s *Store) ContainsKey(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE entry_key = $1)", pq.QuoteIdentifier(s.table))
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("pgstore: contains %q: %w", key, err)
	}
	return exists, nil
}

// Keys returns all keys in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf("SELECT entry_key FROM %s ORDER BY entry_key ASC", pq.QuoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("pgstore: keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: keys: %w", err)
	}
	return keys, nil
}

// Values returns a snapshot of every entry.
func (s *Store) Values(ctx context.Context) (map[string]json.RawMessage, error) {
	query := fmt.Sprintf("SELECT entry_key, payload FROM %s ORDER BY entry_key ASC", pq.QuoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: values: %w", err)
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key     string
			payload json.RawMessage
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("pgstore: values: %w", err)
		}
		out[key] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: values: %w", err)
	}
	return out, nil
}

// PutAll upserts the given entries in one transaction.
func (s *Store) PutAll(ctx context.Context, entries map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: putall: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (entry_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entry_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, pq.QuoteIdentifier(s.table))
	for key, value := range entries {
		if _, err := tx.ExecContext(ctx, query, key, string(value)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("pgstore: putall %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: putall: %w", err)
	}
	return nil
}

// DeleteAll removes the given keys, ignoring absent ones.
func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE entry_key = ANY($1)", pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, pq.Array(keys)); err != nil {
		return fmt.Errorf("pgstore: deleteall: %w", err)
	}
	return nil
}
