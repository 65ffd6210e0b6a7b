package blackboard

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
)

// normalize converts an arbitrary Go value into its JSON shape: map[string]any,
// []any, string, float64, bool or nil. Structs are accepted through their json tags.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalJSON encodes a normalized value with sorted object keys and no HTML escaping.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = clone(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = clone(x)
		}
		return out
	default:
		return v
	}
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// lookup walks segs inside v.
func lookup(v any, segs []string) (any, bool) {
	cur := v
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign returns v with value placed at segs. Maps on the path are copied and
// untouched siblings are shared, so published trees are never mutated.
func assign(v any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m, _ := v.(map[string]any)
	out := copyMap(m)
	out[segs[0]] = assign(m[segs[0]], segs[1:], value)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, x := range m {
		out[k] = x
	}
	return out
}

// unionAppend returns cur extended with the elements of incoming it does not already contain.
func unionAppend(cur, incoming []any) []any {
	out := make([]any, len(cur), len(cur)+len(incoming))
	copy(out, cur)
	for _, x := range incoming {
		seen := false
		for _, y := range out {
			if equal(x, y) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, x)
		}
	}
	return out
}

// walkLeaves calls fn for every leaf under v in key order. Non-empty maps are
// containers; everything else, including arrays and empty maps, is a leaf.
func walkLeaves(v any, prefix string, fn func(path string, leaf any)) {
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		for _, k := range sortedKeys(m) {
			walkLeaves(m[k], joinRel(prefix, k), fn)
		}
		return
	}
	fn(prefix, v)
}

// mergeTrees unions two projected trees. Values from b win on non-map collisions.
func mergeTrees(a, b any) any {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		return b
	}
	out := copyMap(am)
	for k, v := range bm {
		if cur, ok := out[k]; ok {
			out[k] = mergeTrees(cur, v)
		} else {
			out[k] = v
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// sortKeys orders numeric keys (page numbers) numerically ahead of other keys.
// Numerically equal keys such as "01" and "1" fall back to string order.
func sortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, aerr := strconv.Atoi(keys[i])
		b, berr := strconv.Atoi(keys[j])
		switch {
		case aerr == nil && berr == nil:
			if a != b {
				return a < b
			}
			return keys[i] < keys[j]
		case aerr == nil:
			return true
		case berr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}
