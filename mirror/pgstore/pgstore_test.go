package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lib/pq"

	"pkt.systems/synctree/mirror"
)

var tableCounter uint64

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCTREE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SYNCTREE_TEST_POSTGRES_DSN to run PostgreSQL mirror tests")
	}
	return dsn
}

func openTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := testDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	table := fmt.Sprintf("synctree_mirror_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&tableCounter, 1))
	s, err := Open(ctx, dsn, table)
	if err != nil {
		t.Fatalf("open pgstore: %v", err)
	}
	t.Cleanup(func() {
		dropTable(t, s.db, table)
		_ = s.Close()
	})
	return s, ctx
}

func dropTable(t *testing.T, db *sql.DB, table string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(table))); err != nil {
		t.Fatalf("drop table %q: %v", table, err)
	}
}

// decoded compares through the decoder since JSONB re-serializes payloads.
func decoded(t *testing.T, raw json.RawMessage) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return v
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, "mirror"); err == nil {
		t.Fatal("expected error for nil db")
	}
	db, err := sql.Open("postgres", "postgres://localhost/ignored")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := New(db, ""); err == nil {
		t.Fatal("expected error for empty table name")
	}
}

func TestPutGetDelete(t *testing.T) {
	s, ctx := openTestStore(t)

	if err := s.Put(ctx, "a", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(decoded(t, json.RawMessage(`{"n":1}`)), decoded(t, got)); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	if err := s.Put(ctx, "a", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("Put upsert: %v", err)
	}
	got, err = s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(decoded(t, json.RawMessage(`{"n":2}`)), decoded(t, got)); diff != "" {
		t.Fatalf("upsert mismatch (-want +got):\n%s", diff)
	}

	ok, err := s.ContainsKey(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("ContainsKey: %v ok=%v", err, ok)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, mirror.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestKeysAndValuesOrdered(t *testing.T) {
	s, ctx := openTestStore(t)

	for _, key := range []string{"b", "a", "c"} {
		if err := s.Put(ctx, key, json.RawMessage(fmt.Sprintf(`{"key":%q}`, key))); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	values, err := s.Values(ctx)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	if got := decoded(t, values["b"]); !cmp.Equal(got, map[string]any{"key": "b"}) {
		t.Fatalf("unexpected value for b: %v", got)
	}
}

func TestPutAllDeleteAllClear(t *testing.T) {
	s, ctx := openTestStore(t)

	entries := map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
		"c": json.RawMessage(`3`),
	}
	if err := s.PutAll(ctx, entries); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 3 {
		t.Fatalf("Keys after PutAll: %v (%v)", keys, err)
	}

	if err := s.DeleteAll(ctx, []string{"a", "c", "missing"}); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	keys, err = s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if diff := cmp.Diff([]string{"b"}, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, err = s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty store, got %v", keys)
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s, ctx := openTestStore(t)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema twice: %v", err)
	}
}
