package synctree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch"

	"pkt.systems/synctree/internal/treepath"
)

// Codec is the strategy a typed store uses to move values across the wire
// boundary. The three functions must be pure: no retained references to
// their inputs, no shared mutable state. A codec is supplied once at store
// construction and is used by every read, write, transaction and stream
// translation the store performs.
type Codec[T any] struct {
	// Decode builds a domain value from a raw JSON payload. It is never
	// called with a null payload; absence is handled before decoding.
	Decode func(raw json.RawMessage) (T, error)
	// Encode produces the raw JSON payload for a domain value.
	Encode func(v T) (json.RawMessage, error)
	// Patch folds a flat field map into an existing value and returns the
	// result. Field paths are slash-delimited relative to the value; a null
	// field payload removes that field.
	Patch func(base T, fields map[string]json.RawMessage) (T, error)
	// Equal reports structural equality of two values. Optional; when nil,
	// consumers fall back to comparing encoded forms.
	Equal func(a, b T) bool
}

// JSONCodec returns a codec backed by encoding/json for any T. Patch
// expands slash-delimited field paths into a nested document and folds it
// into the base value with an RFC 7386 merge patch, so null field payloads
// delete and nested paths update in place. Equal compares encoded forms
// structurally, ignoring key order.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Decode: func(raw json.RawMessage) (T, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return v, fmt.Errorf("synctree: decode value: %w", err)
			}
			return v, nil
		},
		Encode: func(v T) (json.RawMessage, error) {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("synctree: encode value: %w", err)
			}
			return raw, nil
		},
		Patch: func(base T, fields map[string]json.RawMessage) (T, error) {
			var out T
			baseRaw, err := json.Marshal(base)
			if err != nil {
				return out, fmt.Errorf("synctree: encode patch base: %w", err)
			}
			merged, err := mergeFields(baseRaw, fields)
			if err != nil {
				return out, err
			}
			if err := json.Unmarshal(merged, &out); err != nil {
				return out, fmt.Errorf("synctree: decode patched value: %w", err)
			}
			return out, nil
		},
		Equal: func(a, b T) bool {
			ra, err := json.Marshal(a)
			if err != nil {
				return false
			}
			rb, err := json.Marshal(b)
			if err != nil {
				return false
			}
			return jsonEqual(ra, rb)
		},
	}
}

// RawCodec returns a passthrough codec for json.RawMessage values. Useful
// for tooling that relays payloads without interpreting them.
func RawCodec() Codec[json.RawMessage] {
	return Codec[json.RawMessage]{
		Decode: func(raw json.RawMessage) (json.RawMessage, error) {
			return cloneRaw(raw), nil
		},
		Encode: func(v json.RawMessage) (json.RawMessage, error) {
			if len(v) == 0 {
				return json.RawMessage("null"), nil
			}
			return cloneRaw(v), nil
		},
		Patch: func(base json.RawMessage, fields map[string]json.RawMessage) (json.RawMessage, error) {
			return mergeFields(base, fields)
		},
		Equal: jsonEqual,
	}
}

// mergeFields folds a flat field map into a raw JSON document using an
// RFC 7386 merge patch built from the expanded field paths. A null or
// absent base folds as an empty document, so a patch can create a value
// the same way the server-side patch does.
func mergeFields(base json.RawMessage, fields map[string]json.RawMessage) (json.RawMessage, error) {
	if len(fields) == 0 {
		return cloneRaw(base), nil
	}
	patch, err := expandFields(fields)
	if err != nil {
		return nil, err
	}
	if isNull(base) {
		base = json.RawMessage("{}")
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, fmt.Errorf("synctree: merge patch: %w", err)
	}
	return merged, nil
}

// expandFields turns {"a/b": v} into {"a":{"b":v}}. Field paths are
// processed in sorted order so overlapping paths resolve deterministically;
// a deeper path replaces a shallower leaf on the same segment.
func expandFields(fields map[string]json.RawMessage) (json.RawMessage, error) {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	doc := make(map[string]any, len(fields))
	for _, p := range paths {
		segs, err := treepath.Split(p)
		if err != nil || len(segs) == 0 {
			return nil, fmt.Errorf("synctree: invalid field path %q", p)
		}
		cur := doc
		for _, seg := range segs[:len(segs)-1] {
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg] = next
			}
			cur = next
		}
		raw := fields[p]
		if len(raw) == 0 {
			cur[segs[len(segs)-1]] = nil
		} else {
			cur[segs[len(segs)-1]] = raw
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("synctree: encode field map: %w", err)
	}
	return out, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// isNull reports whether a raw payload is JSON null or absent entirely.
func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// jsonEqual compares two raw payloads structurally, treating absent and
// null as equal.
func jsonEqual(a, b json.RawMessage) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	return jsonpatch.Equal(a, b)
}
