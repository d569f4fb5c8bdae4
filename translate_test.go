package synctree

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/synctree/api"
)

func nextTreeEvent(t *testing.T, stream *EventStream[account]) StoreEvent[account] {
	t.Helper()
	ev, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return ev
}

func TestEventStreamTranslation(t *testing.T) {
	remote := streamOf(
		api.Event{Kind: api.EventPut, Path: "/", Data: raw(`{"alice":{"owner":"alice","balance":10}}`)},
		api.Event{Kind: api.EventKeepAlive},
		api.Event{Kind: api.EventPut, Path: "/bob", Data: raw(`{"owner":"bob","balance":5}`)},
		api.Event{Kind: api.EventPut, Path: "/alice", Data: raw(`null`)},
		api.Event{Kind: api.EventPatch, Path: "/bob", Data: raw(`{"balance":7}`)},
		api.Event{Kind: api.EventPut, Path: "/bob/tags", Data: raw(`{"tier":"gold"}`)},
		api.Event{Kind: api.EventPatch, Path: "/", Data: raw(`{"bob/balance":9}`)},
		api.Event{Kind: "bogus", Path: "/bob"},
		api.Event{Kind: api.EventAuthRevoked},
	)
	store, err := newAccountStore(remote, "/accounts")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stream, err := store.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	reset, ok := nextTreeEvent(t, stream).(ResetEvent[account])
	if !ok {
		t.Fatalf("expected ResetEvent")
	}
	want := map[string]account{"alice": {Owner: "alice", Balance: 10}}
	if diff := cmp.Diff(want, reset.Values); diff != "" {
		t.Fatalf("reset values mismatch (-want +got):\n%s", diff)
	}

	// The keep-alive between reset and this put must be invisible.
	put, ok := nextTreeEvent(t, stream).(PutEvent[account])
	if !ok {
		t.Fatalf("expected PutEvent")
	}
	if put.Key != "bob" || put.Value.Balance != 5 {
		t.Fatalf("unexpected put: %+v", put)
	}

	del, ok := nextTreeEvent(t, stream).(DeleteEvent[account])
	if !ok {
		t.Fatalf("expected DeleteEvent")
	}
	if del.Key != "alice" {
		t.Fatalf("unexpected delete key %q", del.Key)
	}

	patch, ok := nextTreeEvent(t, stream).(PatchEvent[account])
	if !ok {
		t.Fatalf("expected PatchEvent")
	}
	if patch.Key != "bob" || patch.Patch.Len() != 1 {
		t.Fatalf("unexpected patch: key=%q len=%d", patch.Key, patch.Patch.Len())
	}
	updated, err := patch.Patch.Apply(put.Value)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if updated.Balance != 7 || updated.Owner != "bob" {
		t.Fatalf("patched value %+v", updated)
	}

	deep, ok := nextTreeEvent(t, stream).(InvalidEvent[account])
	if !ok {
		t.Fatalf("expected InvalidEvent for deep path")
	}
	if deep.Path != "/bob/tags" || deep.Reason != "path too deep" {
		t.Fatalf("unexpected invalid event: %+v", deep)
	}

	rootPatch, ok := nextTreeEvent(t, stream).(InvalidEvent[account])
	if !ok {
		t.Fatalf("expected InvalidEvent for root patch")
	}
	if rootPatch.Reason != "patch at subtree root" {
		t.Fatalf("unexpected reason %q", rootPatch.Reason)
	}

	unknown, ok := nextTreeEvent(t, stream).(InvalidEvent[account])
	if !ok {
		t.Fatalf("expected InvalidEvent for unknown kind")
	}
	if unknown.Reason != "unknown event kind" {
		t.Fatalf("unexpected reason %q", unknown.Reason)
	}

	if _, err := stream.Next(context.Background()); !errors.Is(err, api.ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}
	// Terminal errors are sticky.
	if _, err := stream.Next(context.Background()); !errors.Is(err, api.ErrAuthRevoked) {
		t.Fatalf("expected sticky ErrAuthRevoked, got %v", err)
	}
}

func TestEventStreamEmptySubtree(t *testing.T) {
	remote := streamOf(
		api.Event{Kind: api.EventPut, Path: "/", Data: raw(`null`)},
		api.Event{Kind: api.EventPut, Path: "/"},
	)
	store, err := newAccountStore(remote, "/accounts")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stream, err := store.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 2; i++ {
		reset, ok := nextTreeEvent(t, stream).(ResetEvent[account])
		if !ok {
			t.Fatalf("event %d: expected ResetEvent", i)
		}
		if len(reset.Values) != 0 {
			t.Fatalf("event %d: expected empty reset, got %v", i, reset.Values)
		}
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestEventStreamDecodeErrorTerminates(t *testing.T) {
	wire := &fakeWire{events: []api.Event{
		{Kind: api.EventPut, Path: "/bob", Data: raw(`{"owner":12}`)},
		{Kind: api.EventPut, Path: "/carol", Data: raw(`{"owner":"carol"}`)},
	}}
	remote := &fakeRemote{
		stream: func(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error) {
			return wire, nil
		},
	}
	store, err := newAccountStore(remote, "/accounts")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stream, err := store.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := stream.Next(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
	if !wire.closed {
		t.Fatalf("expected wire stream to be closed after terminal error")
	}
	if _, err := stream.Next(context.Background()); err == nil {
		t.Fatalf("expected sticky error")
	}
}

func TestEventStreamMalformedPath(t *testing.T) {
	remote := streamOf(
		api.Event{Kind: api.EventPut, Path: "/ /x", Data: raw(`1`)},
	)
	store, err := newAccountStore(remote, "/accounts")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stream, err := store.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	inv, ok := nextTreeEvent(t, stream).(InvalidEvent[account])
	if !ok {
		t.Fatalf("expected InvalidEvent")
	}
	if inv.Reason != "malformed event path" {
		t.Fatalf("unexpected reason %q", inv.Reason)
	}
}

func TestValueStream(t *testing.T) {
	var gotPath string
	wire := &fakeWire{events: []api.Event{
		{Kind: api.EventPut, Path: "/", Data: raw(`{"owner":"alice","balance":3}`)},
		{Kind: api.EventPatch, Path: "/", Data: raw(`{"balance":4}`)},
		{Kind: api.EventPatch, Path: "/", Data: raw(`{"tags/tier":"gold"}`)},
		{Kind: api.EventPut, Path: "/", Data: raw(`null`)},
		{Kind: api.EventPatch, Path: "/", Data: raw(`{"balance":9}`)},
		{Kind: api.EventPut, Path: "/", Data: raw(`{"owner":"alice","balance":1}`)},
		{Kind: api.EventPut, Path: "/history", Data: raw(`[]`)},
	}}
	remote := &fakeRemote{
		stream: func(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error) {
			gotPath = path
			return wire, nil
		},
	}
	store, err := newAccountStore(remote, "/accounts")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stream, err := store.SubscribeKey(context.Background(), "alice")
	if err != nil {
		t.Fatalf("SubscribeKey: %v", err)
	}
	defer stream.Close()
	if gotPath != "/accounts/alice" {
		t.Fatalf("subscribed to %q", gotPath)
	}

	next := func() DataEvent[account] {
		t.Helper()
		ev, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		return ev
	}

	first, ok := next().(ValueEvent[account])
	if !ok || first.Value.Balance != 3 {
		t.Fatalf("unexpected first event: %+v", first)
	}

	patched, ok := next().(ValueEvent[account])
	if !ok || patched.Value.Balance != 4 || patched.Value.Owner != "alice" {
		t.Fatalf("patch fold produced %+v", patched)
	}

	tagged, ok := next().(ValueEvent[account])
	if !ok || tagged.Value.Tags["tier"] != "gold" || tagged.Value.Balance != 4 {
		t.Fatalf("nested field patch produced %+v", tagged)
	}

	if _, ok := next().(ClearEvent[account]); !ok {
		t.Fatalf("expected ClearEvent")
	}
	if _, exists := stream.Value(); exists {
		t.Fatalf("value should not exist after clear")
	}

	missing, ok := next().(InvalidEvent[account])
	if !ok || missing.Reason != "patch on missing value" {
		t.Fatalf("unexpected event for patch on missing value: %+v", missing)
	}

	// The stream keeps going after the invalid patch.
	revived, ok := next().(ValueEvent[account])
	if !ok || revived.Value.Balance != 1 {
		t.Fatalf("unexpected event after invalid patch: %+v", revived)
	}
	if v, exists := stream.Value(); !exists || v.Balance != 1 {
		t.Fatalf("tracked value %+v exists=%v", v, exists)
	}

	deep, ok := next().(InvalidEvent[account])
	if !ok || deep.Reason != "path too deep" {
		t.Fatalf("unexpected event for nested path: %+v", deep)
	}
}

func TestKeysStream(t *testing.T) {
	var gotOpts api.StreamOptions
	wire := &fakeWire{events: []api.Event{
		{Kind: api.EventPut, Path: "/", Data: raw(`{"a":true,"b":true}`)},
		{Kind: api.EventPut, Path: "/c", Data: raw(`true`)},
		{Kind: api.EventPut, Path: "/a", Data: raw(`null`)},
		{Kind: api.EventPatch, Path: "/d", Data: raw(`{"x":1}`)},
		{Kind: api.EventPatch, Path: "/", Data: raw(`{"b":null,"e/f":1}`)},
		{Kind: api.EventPut, Path: "/", Data: raw(`null`)},
	}}
	remote := &fakeRemote{
		stream: func(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error) {
			gotOpts = opts
			return wire, nil
		},
	}
	store, err := newAccountStore(remote, "/accounts")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stream, err := store.SubscribeKeys(context.Background())
	if err != nil {
		t.Fatalf("SubscribeKeys: %v", err)
	}
	defer stream.Close()
	if !gotOpts.Shallow {
		t.Fatalf("key subscription must be shallow")
	}

	next := func() DataEvent[[]string] {
		t.Helper()
		ev, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		return ev
	}
	keys := func(ev DataEvent[[]string]) []string {
		t.Helper()
		ve, ok := ev.(ValueEvent[[]string])
		if !ok {
			t.Fatalf("expected ValueEvent, got %#v", ev)
		}
		return ve.Value
	}

	steps := [][]string{
		{"a", "b"},
		{"a", "b", "c"},
		{"b", "c"},
		{"b", "c", "d"},
		{"c", "d", "e"},
	}
	for i, want := range steps {
		if diff := cmp.Diff(want, keys(next())); diff != "" {
			t.Fatalf("step %d key set mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, ok := next().(ClearEvent[[]string]); !ok {
		t.Fatalf("expected ClearEvent")
	}
}
