package blackboard

import (
	"sort"
	"strings"
)

// View is a read-only projection of a Board restricted to a set of patterns.
// Regions whose serialized form exceeds the Board's size bound are replaced by a
// preview object with "_truncated" and "_preview" keys.
type View struct {
	data      map[string]any
	truncated []string
}

func newView(data map[string]any, maxBytes int) View {
	v := View{data: data}
	if maxBytes <= 0 {
		return v
	}
	for _, region := range sortedKeys(data) {
		raw, err := canonicalJSON(data[region])
		if err != nil || len(raw) <= maxBytes {
			continue
		}
		data[region] = map[string]any{
			"_truncated": true,
			"_preview":   strings.ToValidUTF8(string(raw[:maxBytes]), ""),
		}
		v.truncated = append(v.truncated, region)
	}
	return v
}

// Get returns a copy of the value at a full board path.
func (v View) Get(path string) (any, bool) {
	x, ok := lookup(v.data, strings.Split(path, "."))
	if !ok {
		return nil, false
	}
	return clone(x), true
}

// Regions returns the names of the regions present in the view.
func (v View) Regions() []string {
	out := make([]string, 0, len(v.data))
	for k := range v.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Truncated returns the regions that were cut down to a preview.
func (v View) Truncated() []string {
	return append([]string(nil), v.truncated...)
}

// Map returns a copy of the view as nested maps keyed by region.
func (v View) Map() map[string]any {
	out := make(map[string]any, len(v.data))
	for k, x := range v.data {
		out[k] = clone(x)
	}
	return out
}

// MarshalJSON encodes the view as canonical JSON.
func (v View) MarshalJSON() ([]byte, error) {
	if v.data == nil {
		return []byte("{}"), nil
	}
	return canonicalJSON(v.data)
}
