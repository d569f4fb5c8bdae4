package treestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

// applyFilter orders and bounds the children of an object node. Ordering is
// only defined over child sets, so non-object nodes pass through untouched.
// Range bounds compare against the ordering value; limits apply after the
// bounds.
func applyFilter(node any, f *api.Filter) (any, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return node, nil
	}
	ordPath, err := orderingPath(f.OrderBy)
	if err != nil {
		return nil, err
	}
	type entry struct {
		key string
		ord any
	}
	entries := make([]entry, 0, len(m))
	for k, v := range m {
		ord := any(k)
		if ordPath != nil {
			ord = lookup(v, ordPath)
		}
		entries = append(entries, entry{key: k, ord: ord})
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := compareOrd(entries[i].ord, entries[j].ord); c != 0 {
			return c < 0
		}
		return entries[i].key < entries[j].key
	})
	retain := func(pred func(entry) bool) {
		kept := entries[:0]
		for _, e := range entries {
			if pred(e) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if len(f.StartAt) > 0 {
		bound, err := decodeValue(f.StartAt)
		if err != nil {
			return nil, &ValueError{Detail: "invalid startAt bound"}
		}
		retain(func(e entry) bool { return compareOrd(e.ord, bound) >= 0 })
	}
	if len(f.EndAt) > 0 {
		bound, err := decodeValue(f.EndAt)
		if err != nil {
			return nil, &ValueError{Detail: "invalid endAt bound"}
		}
		retain(func(e entry) bool { return compareOrd(e.ord, bound) <= 0 })
	}
	if len(f.EqualTo) > 0 {
		bound, err := decodeValue(f.EqualTo)
		if err != nil {
			return nil, &ValueError{Detail: "invalid equalTo bound"}
		}
		retain(func(e entry) bool { return compareOrd(e.ord, bound) == 0 })
	}
	if f.LimitToFirst > 0 && len(entries) > f.LimitToFirst {
		entries = entries[:f.LimitToFirst]
	}
	if f.LimitToLast > 0 && len(entries) > f.LimitToLast {
		entries = entries[len(entries)-f.LimitToLast:]
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		out[e.key] = m[e.key]
	}
	return out, nil
}

// orderingPath resolves the orderBy dimension: nil means key ordering,
// anything else names a child field path.
func orderingPath(orderBy string) ([]string, error) {
	switch orderBy {
	case "", api.OrderByKey:
		return nil, nil
	}
	segs, err := treepath.Split(orderBy)
	if err != nil || len(segs) == 0 {
		return nil, &ValueError{Detail: fmt.Sprintf("invalid orderBy %q", orderBy)}
	}
	return segs, nil
}

// compareOrd ranks JSON values for ordering: absent, then booleans, then
// numbers, then strings, then everything else by canonical encoding.
func compareOrd(a, b any) int {
	ra, rb := ordRank(a), ordRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case 2:
		av, bv := numberOf(a), numberOf(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case 3:
		return strings.Compare(a.(string), b.(string))
	default:
		aj, _ := json.Marshal(a)
		bj, _ := json.Marshal(b)
		return bytes.Compare(aj, bj)
	}
}

func ordRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case json.Number, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func numberOf(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	}
	return 0
}
