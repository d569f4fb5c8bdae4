package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/synctree/mirror"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, "a", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("got %s", got)
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
	// Deleting again is fine.
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestNoAliasing(t *testing.T) {
	s := New()
	ctx := context.Background()

	src := json.RawMessage(`{"n":1}`)
	if err := s.Put(ctx, "a", src); err != nil {
		t.Fatalf("Put: %v", err)
	}
	src[1] = 'x'

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("stored value aliases caller buffer: %s", got)
	}
	got[1] = 'y'
	again, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(again) != `{"n":1}` {
		t.Fatalf("returned value aliases stored buffer: %s", again)
	}
}

func TestKeysStaySorted(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, key := range []string{"m", "a", "z", "c"} {
		if err := s.Put(ctx, key, json.RawMessage(`1`)); err != nil {
			t.Fatalf("Put %q: %v", key, err)
		}
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "c", "m", "z"}, keys); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.PutAll(ctx, map[string]json.RawMessage{"b": json.RawMessage(`2`), "x": json.RawMessage(`3`)}); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if err := s.DeleteAll(ctx, []string{"z", "nope"}); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	keys, err = s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "m", "x"}, keys); diff != "" {
		t.Fatalf("mismatch after bulk ops (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.PutAll(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys after clear: %v", keys)
	}
	values, err := s.Values(ctx)
	if err != nil || len(values) != 0 {
		t.Fatalf("values after clear: %v %v", values, err)
	}
}

func TestValuesSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, "a", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	values, err := s.Values(ctx)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	values["a"][1] = 'x'
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("snapshot aliases stored buffer: %s", got)
	}
}
