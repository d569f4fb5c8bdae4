package treestore

import (
	"encoding/json"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

type subscriber struct {
	id      int64
	root    []string
	shallow bool
	ch      chan api.Event
}

// Subscription is a live feed of collapsed change events for one subtree.
type Subscription struct {
	store *Store
	id    int64
	ch    chan api.Event
}

// Events returns the subscription's event channel. The channel closes when
// the subscription is torn down, the credential is revoked, or the
// subscriber falls too far behind.
func (sub *Subscription) Events() <-chan api.Event { return sub.ch }

// Close tears the subscription down. Closing twice is harmless.
func (sub *Subscription) Close() {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	sub.store.dropLocked(sub.id)
}

func (s *Store) dropLocked(id int64) {
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Subscribe registers a change feed rooted at path. The first event is a
// put of "/" carrying the current snapshot, filtered and projected the same
// way a read would be; every later event addresses "/" or a direct child,
// so feed consumers never see deeper paths.
func (s *Store) Subscribe(path string, shallow bool, filter *api.Filter) (*Subscription, error) {
	segs, err := treepath.Split(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	view := lookup(s.root, segs)
	if filter != nil {
		view, err = applyFilter(view, filter)
		if err != nil {
			return nil, err
		}
	}
	if shallow {
		view = shallowProjection(view)
	}
	data, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	s.nextID++
	sub := &subscriber{id: s.nextID, root: segs, shallow: shallow, ch: make(chan api.Event, subscriberBuffer)}
	s.subs[sub.id] = sub
	sub.ch <- api.Event{Kind: api.EventPut, Path: "/", Data: data}
	return &Subscription{store: s, id: sub.id, ch: sub.ch}, nil
}

// RevokeAll delivers an auth-revoked event to every subscriber and closes
// all feeds.
func (s *Store) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- api.Event{Kind: api.EventAuthRevoked, Path: "/"}:
		default:
		}
		delete(s.subs, id)
		close(sub.ch)
	}
}

// notifyLocked fans a mutation out to every subscriber it concerns.
func (s *Store) notifyLocked(at []string, kind api.EventKind, fields map[string]json.RawMessage) {
	for id, sub := range s.subs {
		ev, ok := s.collapseLocked(sub, at, kind, fields)
		if !ok {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: cut the feed rather than block mutations.
			delete(s.subs, id)
			close(sub.ch)
		}
	}
}

// collapseLocked maps a mutation at the given path onto a single event for
// one subscriber. Mutations at or above the subscription root become a put
// of "/" with the root's post-state; direct-child mutations forward the
// operation; deeper mutations collapse to a put of the affected child's
// post-state. Shallow feeds carry key existence instead of values.
func (s *Store) collapseLocked(sub *subscriber, at []string, kind api.EventKind, fields map[string]json.RawMessage) (api.Event, bool) {
	n := len(sub.root)
	if len(at) <= n {
		if !hasPrefix(sub.root, at) {
			return api.Event{}, false
		}
		if sub.shallow && kind == api.EventPatch && len(at) == n {
			data, err := json.Marshal(fields)
			if err != nil {
				return api.Event{}, false
			}
			return api.Event{Kind: api.EventPatch, Path: "/", Data: data}, true
		}
		return s.rootSnapshotLocked(sub), true
	}
	if !hasPrefix(at, sub.root) {
		return api.Event{}, false
	}
	rel := at[n:]
	childPath := "/" + rel[0]
	childSegs := append(append([]string{}, sub.root...), rel[0])
	if sub.shallow {
		if lookup(s.root, childSegs) == nil {
			return api.Event{Kind: api.EventPut, Path: childPath, Data: json.RawMessage("null")}, true
		}
		return api.Event{Kind: api.EventPut, Path: childPath, Data: json.RawMessage("true")}, true
	}
	if len(rel) == 1 && kind == api.EventPatch {
		data, err := json.Marshal(fields)
		if err != nil {
			return api.Event{}, false
		}
		return api.Event{Kind: api.EventPatch, Path: childPath, Data: data}, true
	}
	data, err := json.Marshal(lookup(s.root, childSegs))
	if err != nil {
		return api.Event{}, false
	}
	return api.Event{Kind: api.EventPut, Path: childPath, Data: data}, true
}

func (s *Store) rootSnapshotLocked(sub *subscriber) api.Event {
	view := lookup(s.root, sub.root)
	if sub.shallow {
		view = shallowProjection(view)
	}
	data, err := json.Marshal(view)
	if err != nil {
		data = json.RawMessage("null")
	}
	return api.Event{Kind: api.EventPut, Path: "/", Data: data}
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, seg := range prefix {
		if path[i] != seg {
			return false
		}
	}
	return true
}
