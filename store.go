package synctree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
	"pkt.systems/pslog"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

// Store is a typed view onto one subtree of the remote tree store. Entries
// live exactly one path segment below the store's root; the key is that
// segment. All remote access goes through the RemoteStore supplied at
// construction, all payload conversion through the Codec.
//
// A Store is immutable after construction and safe for concurrent use as
// long as the underlying RemoteStore is.
type Store[T any] struct {
	remote RemoteStore
	codec  Codec[T]
	path   []string
	log    pslog.Base
}

type storeConfig struct {
	log pslog.Base
}

// StoreOption configures a Store at construction.
type StoreOption func(*storeConfig)

// WithLogger routes the store's diagnostics to l. Replicas and streams
// derived from the store inherit it. Defaults to a no-op logger.
func WithLogger(l pslog.Base) StoreOption {
	return func(cfg *storeConfig) {
		if l != nil {
			cfg.log = l
		}
	}
}

// NewStore builds a typed store rooted at path. The codec must provide
// Decode, Encode and Patch; Equal is optional.
func NewStore[T any](remote RemoteStore, path string, codec Codec[T], opts ...StoreOption) (*Store[T], error) {
	if remote == nil {
		return nil, errors.New("synctree: nil remote store")
	}
	if codec.Decode == nil || codec.Encode == nil || codec.Patch == nil {
		return nil, errors.New("synctree: codec must provide Decode, Encode and Patch")
	}
	segs, err := treepath.Split(path)
	if err != nil {
		return nil, fmt.Errorf("synctree: store path: %w", err)
	}
	cfg := storeConfig{log: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store[T]{remote: remote, codec: codec, path: segs, log: cfg.log}, nil
}

// Path returns the store's root path.
func (s *Store[T]) Path() string { return treepath.Join(s.path...) }

// Child derives a store rooted one segment deeper, sharing this store's
// remote, codec and logger.
func (s *Store[T]) Child(segment string) (*Store[T], error) {
	if err := treepath.ValidateKey(segment); err != nil {
		return nil, err
	}
	child := make([]string, 0, len(s.path)+1)
	child = append(child, s.path...)
	child = append(child, segment)
	return &Store[T]{remote: s.remote, codec: s.codec, path: child, log: s.log}, nil
}

// NewKey returns a fresh client-generated key. Keys are ULIDs, so keys
// generated over time sort lexicographically by creation instant.
func (s *Store[T]) NewKey() string { return ulid.Make().String() }

func (s *Store[T]) keyPath(key string) (string, error) {
	if err := treepath.ValidateKey(key); err != nil {
		return "", err
	}
	return treepath.Join(append(append(make([]string, 0, len(s.path)+1), s.path...), key)...), nil
}

// Fetch reads one entry. The second return reports whether the entry
// exists; an absent entry is not an error.
func (s *Store[T]) Fetch(ctx context.Context, key string) (T, bool, error) {
	var zero T
	p, err := s.keyPath(key)
	if err != nil {
		return zero, false, err
	}
	res, err := s.remote.Get(ctx, p, api.GetOptions{})
	if err != nil {
		return zero, false, err
	}
	if isNull(res.Data) {
		return zero, false, nil
	}
	v, err := s.codec.Decode(res.Data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// FetchAll reads every entry under the store root, optionally narrowed by
// a server-side filter.
func (s *Store[T]) FetchAll(ctx context.Context, filter *api.Filter) (map[string]T, error) {
	raw, _, err := s.fetchChildren(ctx, filter, false)
	if err != nil {
		return nil, err
	}
	return s.decodeChildren(raw)
}

// fetchChildren bulk-reads the subtree as raw child payloads. Null
// children are dropped. With wantToken the read is strongly consistent and
// the subtree's version token is returned alongside.
func (s *Store[T]) fetchChildren(ctx context.Context, filter *api.Filter, wantToken bool) (map[string]json.RawMessage, string, error) {
	res, err := s.remote.Get(ctx, s.Path(), api.GetOptions{Filter: filter, WantToken: wantToken})
	if err != nil {
		return nil, "", err
	}
	if wantToken && res.Token == "" {
		return nil, "", ErrMissingToken
	}
	children, err := splitChildren(res.Data)
	if err != nil {
		return nil, "", fmt.Errorf("synctree: subtree at %s: %w", s.Path(), err)
	}
	return children, res.Token, nil
}

func (s *Store[T]) decodeChildren(raw map[string]json.RawMessage) (map[string]T, error) {
	out := make(map[string]T, len(raw))
	for key, payload := range raw {
		v, err := s.codec.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("synctree: entry %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// splitChildren parses a subtree payload into per-key raw values. Null or
// absent payloads yield an empty map; null children are dropped.
func splitChildren(data json.RawMessage) (map[string]json.RawMessage, error) {
	if isNull(data) {
		return map[string]json.RawMessage{}, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(data, &children); err != nil {
		return nil, errors.New("payload is not an object")
	}
	out := make(map[string]json.RawMessage, len(children))
	for key, payload := range children {
		if isNull(payload) {
			continue
		}
		out[key] = payload
	}
	return out, nil
}

// Put writes one entry, replacing any previous value. The write is silent;
// the server does not echo the value back.
func (s *Store[T]) Put(ctx context.Context, key string, v T) error {
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}
	raw, err := s.codec.Encode(v)
	if err != nil {
		return err
	}
	_, err = s.remote.Put(ctx, p, raw, api.WriteOptions{Silent: true})
	return err
}

// Patch applies a flat field map to one entry and returns the merged
// value as the server now holds it. Field paths are slash-delimited; null
// field payloads delete. Patching an absent entry creates it from the
// non-null fields.
func (s *Store[T]) Patch(ctx context.Context, key string, fields map[string]json.RawMessage) (T, error) {
	var zero T
	p, err := s.keyPath(key)
	if err != nil {
		return zero, err
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("synctree: encode field map: %w", err)
	}
	res, err := s.remote.Patch(ctx, p, body, api.WriteOptions{})
	if err != nil {
		return zero, err
	}
	if isNull(res.Data) {
		return zero, nil
	}
	return s.codec.Decode(res.Data)
}

// Delete removes one entry. Deleting an absent entry succeeds.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}
	_, err = s.remote.Delete(ctx, p, api.WriteOptions{Silent: true})
	return err
}

// Create stores v under a server-generated key and returns that key.
func (s *Store[T]) Create(ctx context.Context, v T) (string, error) {
	raw, err := s.codec.Encode(v)
	if err != nil {
		return "", err
	}
	res, err := s.remote.Post(ctx, s.Path(), raw)
	if err != nil {
		return "", err
	}
	return res.Name, nil
}

// Keys returns the store's current key set in ascending order, using a
// shallow read so values never cross the wire.
func (s *Store[T]) Keys(ctx context.Context) ([]string, error) {
	res, err := s.remote.Get(ctx, s.Path(), api.GetOptions{Shallow: true})
	if err != nil {
		return nil, err
	}
	children, err := splitChildren(res.Data)
	if err != nil {
		return nil, fmt.Errorf("synctree: subtree at %s: %w", s.Path(), err)
	}
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe opens a change stream over the store's subtree, optionally
// narrowed by a server-side filter, and returns the translated event
// stream. The first event is always a ResetEvent carrying the subtree's
// current state.
func (s *Store[T]) Subscribe(ctx context.Context, filter *api.Filter) (*EventStream[T], error) {
	wire, err := s.remote.Stream(ctx, s.Path(), api.StreamOptions{Filter: filter})
	if err != nil {
		return nil, err
	}
	s.log.Debug("store.subscribe.start", "path", s.Path())
	return &EventStream[T]{store: s, wire: wire}, nil
}

// SubscribeKey observes a single entry. The stream tracks the entry's
// running value so patch notifications can be folded in as they arrive.
func (s *Store[T]) SubscribeKey(ctx context.Context, key string) (*ValueStream[T], error) {
	p, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	wire, err := s.remote.Stream(ctx, p, api.StreamOptions{})
	if err != nil {
		return nil, err
	}
	s.log.Debug("store.subscribe_key.start", "path", p)
	return &ValueStream[T]{store: s, wire: wire}, nil
}

// SubscribeKeys observes the store's key set via a shallow subscription.
func (s *Store[T]) SubscribeKeys(ctx context.Context) (*KeysStream, error) {
	wire, err := s.remote.Stream(ctx, s.Path(), api.StreamOptions{Shallow: true})
	if err != nil {
		return nil, err
	}
	s.log.Debug("store.subscribe_keys.start", "path", s.Path())
	return &KeysStream{wire: wire}, nil
}
