// Package mirror defines the local persistence contract a replica keeps
// its synchronized copy in. Backends live in the subpackages: memstore
// (in-memory), diskstore (one file per key) and pgstore (PostgreSQL).
//
// A mirror holds raw JSON payloads, not domain values; the replica's codec
// decides how entries are encoded and decoded. Every operation is fallible
// so persistence backends can surface I/O failures.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound reports a lookup of an absent key.
var ErrNotFound = errors.New("mirror: key not found")

// Store is an ordered key to raw-JSON map. Implementations must be safe
// for concurrent use; a single replica is the only writer, but readers may
// call in parallel.
type Store interface {
	// Put upserts one entry.
	Put(ctx context.Context, key string, value json.RawMessage) error
	// Get returns the entry's payload or ErrNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)
	// Delete removes one entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// ContainsKey reports whether the key is present.
	ContainsKey(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Values returns a snapshot of every entry.
	Values(ctx context.Context) (map[string]json.RawMessage, error)
	// PutAll upserts the given entries. Partial failure may leave a subset
	// applied; the caller reconciles by reloading.
	PutAll(ctx context.Context, entries map[string]json.RawMessage) error
	// DeleteAll removes the given keys, ignoring absent ones.
	DeleteAll(ctx context.Context, keys []string) error
}
