package synctree

import "encoding/json"

// PatchSet is a deferred, replayable partial update: a flat field map plus
// a reference to the store whose codec knows how to fold the fields into a
// value. PatchSets are immutable; the translator builds one per patch wire
// event and consumers apply it against whatever base value they hold.
// Applying a patch when no base value exists is the consumer's error to
// raise (ErrPatchOnMissingValue); a PatchSet itself never fabricates a
// value out of nothing.
type PatchSet[T any] struct {
	store  *Store[T]
	fields map[string]json.RawMessage
}

// NewPatchSet builds a patch set bound to this store's codec. The field
// map is copied; later mutation of the argument does not affect the patch.
func (s *Store[T]) NewPatchSet(fields map[string]json.RawMessage) *PatchSet[T] {
	copied := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		copied[k] = cloneRaw(v)
	}
	return &PatchSet[T]{store: s, fields: copied}
}

// Apply folds the field map into base and returns the patched value.
func (p *PatchSet[T]) Apply(base T) (T, error) {
	return p.store.codec.Patch(base, p.fields)
}

// Fields returns a copy of the field map.
func (p *PatchSet[T]) Fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(p.fields))
	for k, v := range p.fields {
		out[k] = cloneRaw(v)
	}
	return out
}

// Len reports the number of fields in the patch.
func (p *PatchSet[T]) Len() int { return len(p.fields) }

// Equal reports whether two patch sets are interchangeable: same owning
// store and structurally equal field maps.
func (p *PatchSet[T]) Equal(o *PatchSet[T]) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.store != o.store || len(p.fields) != len(o.fields) {
		return false
	}
	for k, v := range p.fields {
		ov, ok := o.fields[k]
		if !ok || !jsonEqual(v, ov) {
			return false
		}
	}
	return true
}
