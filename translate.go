package synctree

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

// EventStream translates raw wire events into StoreEvents for one store's
// subtree. It is pull-based: nothing is read from the transport until Next
// is called, and only the event being translated is ever in flight, so the
// consumer's pace is the stream's pace.
//
// Events are delivered strictly in arrival order. Recognized but malformed
// notifications surface as InvalidEvent and translation continues; an
// auth-revoked notification or a codec failure terminates the stream.
type EventStream[T any] struct {
	store *Store[T]
	wire  api.WireStream
	err   error
}

// Next returns the next translated event. After Next returns an error the
// stream is terminated and every subsequent call returns the same error.
// Canceling ctx tears the subscription down.
func (es *EventStream[T]) Next(ctx context.Context) (StoreEvent[T], error) {
	if es.err != nil {
		return nil, es.err
	}
	for {
		ev, err := es.wire.Next(ctx)
		if err != nil {
			es.err = err
			return nil, err
		}
		sev, err := es.store.translateTree(ev)
		if err != nil {
			es.err = err
			_ = es.wire.Close()
			return nil, err
		}
		if sev == nil {
			continue
		}
		return sev, nil
	}
}

// Close tears the subscription down.
func (es *EventStream[T]) Close() error { return es.wire.Close() }

// translateTree maps one wire event onto the StoreEvent variants. A nil,
// nil return means the event carries nothing for the consumer.
func (s *Store[T]) translateTree(ev api.Event) (StoreEvent[T], error) {
	switch ev.Kind {
	case api.EventKeepAlive:
		return nil, nil
	case api.EventAuthRevoked:
		return nil, api.ErrAuthRevoked
	case api.EventPut:
		segs, err := treepath.Split(ev.Path)
		if err != nil {
			return InvalidEvent[T]{Path: ev.Path, Reason: "malformed event path"}, nil
		}
		switch len(segs) {
		case 0:
			return s.translateReset(ev)
		case 1:
			if isNull(ev.Data) {
				return DeleteEvent[T]{Key: segs[0]}, nil
			}
			v, err := s.codec.Decode(ev.Data)
			if err != nil {
				return nil, err
			}
			return PutEvent[T]{Key: segs[0], Value: v}, nil
		default:
			return InvalidEvent[T]{Path: ev.Path, Reason: "path too deep"}, nil
		}
	case api.EventPatch:
		segs, err := treepath.Split(ev.Path)
		if err != nil {
			return InvalidEvent[T]{Path: ev.Path, Reason: "malformed event path"}, nil
		}
		if len(segs) == 0 {
			return InvalidEvent[T]{Path: ev.Path, Reason: "patch at subtree root"}, nil
		}
		if len(segs) > 1 {
			return InvalidEvent[T]{Path: ev.Path, Reason: "path too deep"}, nil
		}
		fields, ok := decodeFields(ev.Data)
		if !ok {
			return InvalidEvent[T]{Path: ev.Path, Reason: "patch payload is not an object"}, nil
		}
		return PatchEvent[T]{Key: segs[0], Patch: &PatchSet[T]{store: s, fields: fields}}, nil
	default:
		return InvalidEvent[T]{Path: ev.Path, Reason: "unknown event kind"}, nil
	}
}

// translateReset decodes a full-subtree put into a ResetEvent. Null and
// empty payloads yield an empty value map, never an error.
func (s *Store[T]) translateReset(ev api.Event) (StoreEvent[T], error) {
	if isNull(ev.Data) {
		return ResetEvent[T]{Values: map[string]T{}}, nil
	}
	children, err := splitChildren(ev.Data)
	if err != nil {
		return InvalidEvent[T]{Path: ev.Path, Reason: "reset payload is not an object"}, nil
	}
	values := make(map[string]T, len(children))
	for key, payload := range children {
		v, err := s.codec.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("synctree: entry %q: %w", key, err)
		}
		values[key] = v
	}
	return ResetEvent[T]{Values: values}, nil
}

// decodeFields parses a patch payload into a field map. An absent payload
// yields an empty map; a payload that is not a JSON object is rejected.
func decodeFields(data json.RawMessage) (map[string]json.RawMessage, bool) {
	if isNull(data) {
		return map[string]json.RawMessage{}, true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// ValueStream observes a single entry, tracking its running value so patch
// notifications can be folded in as they arrive. Same delivery contract as
// EventStream: pull-based, ordered, one event in flight.
type ValueStream[T any] struct {
	store   *Store[T]
	wire    api.WireStream
	err     error
	current T
	exists  bool
}

// Next returns the next translated event. A put of the observed entry
// becomes ValueEvent, a put of null becomes ClearEvent, and a patch is
// folded into the running value. A patch arriving while no value is known
// surfaces as InvalidEvent and the stream continues.
func (vs *ValueStream[T]) Next(ctx context.Context) (DataEvent[T], error) {
	if vs.err != nil {
		return nil, vs.err
	}
	for {
		ev, err := vs.wire.Next(ctx)
		if err != nil {
			vs.err = err
			return nil, err
		}
		dev, err := vs.translate(ev)
		if err != nil {
			vs.err = err
			_ = vs.wire.Close()
			return nil, err
		}
		if dev == nil {
			continue
		}
		return dev, nil
	}
}

// Value returns the last observed value and whether the entry currently
// exists.
func (vs *ValueStream[T]) Value() (T, bool) { return vs.current, vs.exists }

// Close tears the subscription down.
func (vs *ValueStream[T]) Close() error { return vs.wire.Close() }

func (vs *ValueStream[T]) translate(ev api.Event) (DataEvent[T], error) {
	switch ev.Kind {
	case api.EventKeepAlive:
		return nil, nil
	case api.EventAuthRevoked:
		return nil, api.ErrAuthRevoked
	}
	segs, err := treepath.Split(ev.Path)
	if err != nil {
		return InvalidEvent[T]{Path: ev.Path, Reason: "malformed event path"}, nil
	}
	if len(segs) != 0 {
		return InvalidEvent[T]{Path: ev.Path, Reason: "path too deep"}, nil
	}
	switch ev.Kind {
	case api.EventPut:
		if isNull(ev.Data) {
			var zero T
			vs.current, vs.exists = zero, false
			return ClearEvent[T]{}, nil
		}
		v, err := vs.store.codec.Decode(ev.Data)
		if err != nil {
			return nil, err
		}
		vs.current, vs.exists = v, true
		return ValueEvent[T]{Value: v}, nil
	case api.EventPatch:
		fields, ok := decodeFields(ev.Data)
		if !ok {
			return InvalidEvent[T]{Path: ev.Path, Reason: "patch payload is not an object"}, nil
		}
		if !vs.exists {
			return InvalidEvent[T]{Path: ev.Path, Reason: "patch on missing value"}, nil
		}
		v, err := vs.store.codec.Patch(vs.current, fields)
		if err != nil {
			return nil, err
		}
		vs.current, vs.exists = v, true
		return ValueEvent[T]{Value: v}, nil
	default:
		return InvalidEvent[T]{Path: ev.Path, Reason: "unknown event kind"}, nil
	}
}

// KeysStream observes a store's key set through a shallow subscription,
// emitting the full sorted key list after every change.
type KeysStream struct {
	wire api.WireStream
	err  error
	keys map[string]struct{}
}

// Next returns the next translated key-set event.
func (ks *KeysStream) Next(ctx context.Context) (DataEvent[[]string], error) {
	if ks.err != nil {
		return nil, ks.err
	}
	for {
		ev, err := ks.wire.Next(ctx)
		if err != nil {
			ks.err = err
			return nil, err
		}
		dev, err := ks.translate(ev)
		if err != nil {
			ks.err = err
			_ = ks.wire.Close()
			return nil, err
		}
		if dev == nil {
			continue
		}
		return dev, nil
	}
}

// Close tears the subscription down.
func (ks *KeysStream) Close() error { return ks.wire.Close() }

func (ks *KeysStream) translate(ev api.Event) (DataEvent[[]string], error) {
	switch ev.Kind {
	case api.EventKeepAlive:
		return nil, nil
	case api.EventAuthRevoked:
		return nil, api.ErrAuthRevoked
	}
	segs, err := treepath.Split(ev.Path)
	if err != nil {
		return InvalidEvent[[]string]{Path: ev.Path, Reason: "malformed event path"}, nil
	}
	if len(segs) > 1 {
		return InvalidEvent[[]string]{Path: ev.Path, Reason: "path too deep"}, nil
	}
	if ks.keys == nil {
		ks.keys = make(map[string]struct{})
	}
	switch ev.Kind {
	case api.EventPut:
		if len(segs) == 0 {
			if isNull(ev.Data) {
				ks.keys = make(map[string]struct{})
				return ClearEvent[[]string]{}, nil
			}
			children, err := splitChildren(ev.Data)
			if err != nil {
				return InvalidEvent[[]string]{Path: ev.Path, Reason: "key-set payload is not an object"}, nil
			}
			ks.keys = make(map[string]struct{}, len(children))
			for key := range children {
				ks.keys[key] = struct{}{}
			}
			return ValueEvent[[]string]{Value: ks.sorted()}, nil
		}
		if isNull(ev.Data) {
			delete(ks.keys, segs[0])
		} else {
			ks.keys[segs[0]] = struct{}{}
		}
		return ValueEvent[[]string]{Value: ks.sorted()}, nil
	case api.EventPatch:
		fields, ok := decodeFields(ev.Data)
		if !ok {
			return InvalidEvent[[]string]{Path: ev.Path, Reason: "patch payload is not an object"}, nil
		}
		if len(segs) == 1 {
			// A patch implies the entry exists once it lands.
			ks.keys[segs[0]] = struct{}{}
			return ValueEvent[[]string]{Value: ks.sorted()}, nil
		}
		for field, payload := range fields {
			fsegs, err := treepath.Split(field)
			if err != nil || len(fsegs) == 0 {
				continue
			}
			// Only a null at the child itself removes the key; a null on
			// a deeper field leaves the child in place.
			if len(fsegs) == 1 && isNull(payload) {
				delete(ks.keys, fsegs[0])
			} else {
				ks.keys[fsegs[0]] = struct{}{}
			}
		}
		return ValueEvent[[]string]{Value: ks.sorted()}, nil
	default:
		return InvalidEvent[[]string]{Path: ev.Path, Reason: "unknown event kind"}, nil
	}
}

func (ks *KeysStream) sorted() []string {
	out := make([]string, 0, len(ks.keys))
	for key := range ks.keys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
