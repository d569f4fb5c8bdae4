package treestore

import (
	"encoding/json"
	"testing"

	"pkt.systems/synctree/api"
)

func nextEvent(t *testing.T, sub *Subscription) api.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	default:
		t.Fatalf("no event queued")
	}
	return api.Event{}
}

func wantEvent(t *testing.T, sub *Subscription, kind api.EventKind, path, data string) {
	t.Helper()
	ev := nextEvent(t, sub)
	if ev.Kind != kind || ev.Path != path {
		t.Fatalf("event %s %s, want %s %s", ev.Kind, ev.Path, kind, path)
	}
	var got, want any
	if err := json.Unmarshal(ev.Data, &got); err != nil {
		t.Fatalf("event data %s: %v", ev.Data, err)
	}
	if err := json.Unmarshal([]byte(data), &want); err != nil {
		t.Fatalf("fixture %s: %v", data, err)
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("event data %s, want %s", ev.Data, data)
	}
}

func wantNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %s %s %s", ev.Kind, ev.Path, ev.Data)
		}
		t.Fatalf("subscription closed")
	default:
	}
}

func TestSubscribeSnapshotAndChildEvents(t *testing.T) {
	s := New()
	mustPut(t, s, "/accounts/alice", `{"balance":1}`)

	sub, err := s.Subscribe("/accounts", false, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	wantEvent(t, sub, api.EventPut, "/", `{"alice":{"balance":1}}`)

	mustPut(t, s, "/accounts/bob", `{"balance":2}`)
	wantEvent(t, sub, api.EventPut, "/bob", `{"balance":2}`)

	if err := s.Delete("/accounts/alice", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	wantEvent(t, sub, api.EventPut, "/alice", `null`)

	if _, _, err := s.Patch("/accounts/bob", json.RawMessage(`{"balance":3}`), ""); err != nil {
		t.Fatalf("patch: %v", err)
	}
	wantEvent(t, sub, api.EventPatch, "/bob", `{"balance":3}`)
}

func TestSubscribeCollapsesDeepMutations(t *testing.T) {
	s := New()
	mustPut(t, s, "/accounts/bob", `{"balance":2,"tags":{"tier":"free"}}`)

	sub, err := s.Subscribe("/accounts", false, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	nextEvent(t, sub)

	// A write two levels down arrives as a put of the direct child's
	// post-state.
	mustPut(t, s, "/accounts/bob/tags/tier", `"gold"`)
	wantEvent(t, sub, api.EventPut, "/bob", `{"balance":2,"tags":{"tier":"gold"}}`)

	if err := s.Delete("/accounts/bob/tags", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	wantEvent(t, sub, api.EventPut, "/bob", `{"balance":2}`)
}

func TestSubscribeRootAndAncestorMutations(t *testing.T) {
	s := New()
	mustPut(t, s, "/region/eu/accounts/alice", `{"balance":1}`)

	sub, err := s.Subscribe("/region/eu/accounts", false, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	nextEvent(t, sub)

	// Replacing an ancestor rewrites the whole subtree under the feed.
	mustPut(t, s, "/region/eu", `{"accounts":{"carol":{"balance":9}}}`)
	wantEvent(t, sub, api.EventPut, "/", `{"carol":{"balance":9}}`)

	// A patch at the feed root arrives as a full snapshot, never as a
	// patch of "/".
	if _, _, err := s.Patch("/region/eu/accounts", json.RawMessage(`{"carol/balance":10}`), ""); err != nil {
		t.Fatalf("patch: %v", err)
	}
	wantEvent(t, sub, api.EventPut, "/", `{"carol":{"balance":10}}`)

	mustPut(t, s, "/region", `null`)
	wantEvent(t, sub, api.EventPut, "/", `null`)
}

func TestSubscribeIgnoresUnrelatedMutations(t *testing.T) {
	s := New()
	sub, err := s.Subscribe("/accounts", false, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	nextEvent(t, sub)

	mustPut(t, s, "/settings/theme", `"dark"`)
	mustPut(t, s, "/accountsarchive/x", `1`)
	wantNoEvent(t, sub)
}

func TestSubscribeShallow(t *testing.T) {
	s := New()
	mustPut(t, s, "/accounts", `{"a":{"balance":1},"b":{"balance":2}}`)

	sub, err := s.Subscribe("/accounts", true, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	wantEvent(t, sub, api.EventPut, "/", `{"a":true,"b":true}`)

	mustPut(t, s, "/accounts/c", `{"balance":3}`)
	wantEvent(t, sub, api.EventPut, "/c", `true`)

	// Deep writes only report key existence.
	mustPut(t, s, "/accounts/c/balance", `4`)
	wantEvent(t, sub, api.EventPut, "/c", `true`)

	if err := s.Delete("/accounts/a", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	wantEvent(t, sub, api.EventPut, "/a", `null`)

	// A patch at the feed root forwards its field map verbatim.
	if _, _, err := s.Patch("/accounts", json.RawMessage(`{"b":null,"d/balance":5}`), ""); err != nil {
		t.Fatalf("patch: %v", err)
	}
	wantEvent(t, sub, api.EventPatch, "/", `{"b":null,"d/balance":5}`)
}

func TestSubscribeSnapshotFilter(t *testing.T) {
	s := New()
	mustPut(t, s, "/accounts", `{"a":{"balance":5},"b":{"balance":1}}`)

	sub, err := s.Subscribe("/accounts", false, &api.Filter{OrderBy: "balance", LimitToLast: 1})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	wantEvent(t, sub, api.EventPut, "/", `{"a":{"balance":5}}`)
}

func TestRevokeAll(t *testing.T) {
	s := New()
	sub, err := s.Subscribe("/accounts", false, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nextEvent(t, sub)

	s.RevokeAll()
	ev := nextEvent(t, sub)
	if ev.Kind != api.EventAuthRevoked {
		t.Fatalf("expected auth-revoked, got %s", ev.Kind)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("channel should be closed after revocation")
	}

	// Mutations after revocation do not panic on closed feeds.
	mustPut(t, s, "/accounts/x", `1`)
	sub.Close()
}

func TestSubscribeClose(t *testing.T) {
	s := New()
	sub, err := s.Subscribe("/accounts", false, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nextEvent(t, sub)
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("channel should be closed")
	}
	sub.Close()
	mustPut(t, s, "/accounts/x", `1`)
}
