// Package treestore implements an in-memory hierarchical JSON tree with
// salted version tokens and path-scoped change notifications. It backs the
// embedded test server; its semantics mirror what a production tree-store
// deployment exposes over HTTP.
package treestore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

// subscriberBuffer is the per-subscription event channel capacity. A
// subscriber that falls this far behind is disconnected.
const subscriberBuffer = 256

// TokenMismatchError reports that a conditional mutation carried a version
// token that no longer matches the addressed node.
type TokenMismatchError struct {
	// Current is the node's version token at the time of the attempt.
	Current string
}

func (e *TokenMismatchError) Error() string {
	return fmt.Sprintf("treestore: version token mismatch (current %s)", e.Current)
}

// ValueError reports a request payload the tree cannot store.
type ValueError struct {
	Detail string
}

func (e *ValueError) Error() string { return "treestore: " + e.Detail }

// Store is a mutex-guarded JSON tree. Values are decoded JSON (maps,
// slices, json.Number, string, bool); a nil node is absent. Maps with no
// children collapse to absent, so the tree never contains empty objects.
type Store struct {
	mu     sync.RWMutex
	root   any
	salt   []byte
	subs   map[int64]*subscriber
	nextID int64
}

// New returns an empty tree with a fresh token salt.
func New() *Store {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("treestore: entropy unavailable: %v", err))
	}
	return &Store{salt: salt, subs: make(map[int64]*subscriber)}
}

// Get returns the JSON value at path together with its version token. An
// absent node yields JSON null. A filter reorders and bounds object
// children; shallow projects children to their key set. The token always
// describes the unfiltered node.
func (s *Store) Get(path string, shallow bool, filter *api.Filter) (json.RawMessage, string, error) {
	segs, err := treepath.Split(path)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node := lookup(s.root, segs)
	view := node
	if filter != nil {
		view, err = applyFilter(view, filter)
		if err != nil {
			return nil, "", err
		}
	}
	if shallow {
		view = shallowProjection(view)
	}
	data, err := json.Marshal(view)
	if err != nil {
		return nil, "", err
	}
	return data, s.tokenLocked(segs), nil
}

// Put replaces the value at path. A null body deletes the node. When
// ifMatch is non-empty the write only succeeds while it matches the node's
// current token. The stored (normalized) value and the node's new token are
// returned.
func (s *Store) Put(path string, body json.RawMessage, ifMatch string) (json.RawMessage, string, error) {
	segs, err := treepath.Split(path)
	if err != nil {
		return nil, "", err
	}
	value, err := decodeValue(body)
	if err != nil {
		return nil, "", &ValueError{Detail: err.Error()}
	}
	value, err = normalizeValue(value)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(segs, ifMatch); err != nil {
		return nil, "", err
	}
	s.setLocked(segs, value)
	s.notifyLocked(segs, api.EventPut, nil)
	data, err := json.Marshal(lookup(s.root, segs))
	if err != nil {
		return nil, "", err
	}
	return data, s.tokenLocked(segs), nil
}

// Patch applies a field map to the node at path. Each field name is a
// relative path; a null field value deletes that field. The node's merged
// value and new token are returned.
func (s *Store) Patch(path string, body json.RawMessage, ifMatch string) (json.RawMessage, string, error) {
	segs, err := treepath.Split(path)
	if err != nil {
		return nil, "", err
	}
	fields, err := decodePatchFields(body)
	if err != nil {
		return nil, "", err
	}
	type update struct {
		target []string
		value  any
	}
	updates := make([]update, 0, len(fields))
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fsegs, err := treepath.Split(name)
		if err != nil || len(fsegs) == 0 {
			return nil, "", &ValueError{Detail: fmt.Sprintf("invalid patch field path %q", name)}
		}
		value, err := decodeValue(fields[name])
		if err != nil {
			return nil, "", &ValueError{Detail: err.Error()}
		}
		value, err = normalizeValue(value)
		if err != nil {
			return nil, "", err
		}
		updates = append(updates, update{target: append(append([]string{}, segs...), fsegs...), value: value})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(segs, ifMatch); err != nil {
		return nil, "", err
	}
	for _, u := range updates {
		s.setLocked(u.target, u.value)
	}
	s.notifyLocked(segs, api.EventPatch, fields)
	data, err := json.Marshal(lookup(s.root, segs))
	if err != nil {
		return nil, "", err
	}
	return data, s.tokenLocked(segs), nil
}

// Delete removes the node at path. Deleting an absent node succeeds.
func (s *Store) Delete(path string, ifMatch string) error {
	segs, err := treepath.Split(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(segs, ifMatch); err != nil {
		return err
	}
	s.setLocked(segs, nil)
	s.notifyLocked(segs, api.EventPut, nil)
	return nil
}

// Post stores the body under a server-generated child key of path and
// returns the key. A null body still yields a key but stores nothing.
func (s *Store) Post(path string, body json.RawMessage) (string, error) {
	segs, err := treepath.Split(path)
	if err != nil {
		return "", err
	}
	value, err := decodeValue(body)
	if err != nil {
		return "", &ValueError{Detail: err.Error()}
	}
	value, err = normalizeValue(value)
	if err != nil {
		return "", err
	}
	key := ulid.Make().String()
	if value == nil {
		return key, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := append(append([]string{}, segs...), key)
	s.setLocked(target, value)
	s.notifyLocked(target, api.EventPut, nil)
	return key, nil
}

// Token returns the version token of the node at path.
func (s *Store) Token(path string) (string, error) {
	segs, err := treepath.Split(path)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenLocked(segs), nil
}

func (s *Store) checkTokenLocked(segs []string, ifMatch string) error {
	if ifMatch == "" {
		return nil
	}
	current := s.tokenLocked(segs)
	if current != ifMatch {
		return &TokenMismatchError{Current: current}
	}
	return nil
}

// tokenLocked derives the node's version token from its canonical JSON and
// the per-store salt, so tokens are stable across reads but unguessable
// across store instances.
func (s *Store) tokenLocked(segs []string) string {
	canonical, err := json.Marshal(lookup(s.root, segs))
	if err != nil {
		canonical = []byte("null")
	}
	h := sha256.New()
	h.Write(s.salt)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (s *Store) setLocked(segs []string, value any) {
	if len(segs) == 0 {
		s.root = value
		return
	}
	rootMap, ok := s.root.(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		rootMap = make(map[string]any)
		s.root = rootMap
	}
	setNode(rootMap, segs, value)
	if len(rootMap) == 0 {
		s.root = nil
	}
}

func setNode(node map[string]any, segs []string, value any) {
	key := segs[0]
	if len(segs) == 1 {
		if value == nil {
			delete(node, key)
		} else {
			node[key] = value
		}
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = make(map[string]any)
		node[key] = child
	}
	setNode(child, segs[1:], value)
	if len(child) == 0 {
		delete(node, key)
	}
}

func lookup(node any, segs []string) any {
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[seg]
	}
	return node
}

// decodeValue parses raw JSON into the tree's value representation.
// Numbers are kept as json.Number so stored values re-marshal byte-stably.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeValue strips null object members and collapses empty objects to
// absent. Object keys may not be blank or contain path separators; arrays
// pass through as opaque values.
func normalizeValue(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		if strings.TrimSpace(k) == "" {
			return nil, &ValueError{Detail: "blank object key"}
		}
		if strings.Contains(k, "/") {
			return nil, &ValueError{Detail: fmt.Sprintf("object key %q contains a path separator", k)}
		}
		n, err := normalizeValue(child)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		out[k] = n
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func decodePatchFields(body json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &ValueError{Detail: "patch payload is not an object"}
	}
	return fields, nil
}

// shallowProjection maps an object node to its key set; every other node
// passes through unchanged.
func shallowProjection(node any) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	out := make(map[string]any, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
