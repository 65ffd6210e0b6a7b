package blackboard

import (
	"fmt"
	"strings"
)

type leafMeta struct {
	writer string
	seq    uint64 // zero until the write that produced the leaf is logged
}

// entry is the value stored under one top-level key of a region together with the
// writer of every leaf beneath it. Entries are immutable once stored; writes build
// a new entry and swap it in, which keeps branch snapshots cheap.
type entry struct {
	value  any
	owners map[string]leafMeta // relative leaf path -> meta; "" is the top-level value itself
}

func (e *entry) ownersCopy() map[string]leafMeta {
	out := make(map[string]leafMeta)
	if e == nil {
		return out
	}
	for k, v := range e.owners {
		out[k] = v
	}
	return out
}

// stamp assigns seq to leaves written by the operation that produced this entry.
func (e *entry) stamp(seq uint64) {
	for p, m := range e.owners {
		if m.seq == 0 {
			m.seq = seq
			e.owners[p] = m
		}
	}
}

// ownerOf returns the writer of rel, falling back to a leaf beneath it or an ancestor leaf.
func (e *entry) ownerOf(rel string) string {
	if e == nil {
		return ""
	}
	if m, ok := e.owners[rel]; ok {
		return m.writer
	}
	for _, p := range sortedKeys(e.owners) {
		if underPrefix(p, rel) || underPrefix(rel, p) {
			return e.owners[p].writer
		}
	}
	return ""
}

// leaves returns the leaves of the entry as Query results.
func (e *entry) leaves(regionName, key string) []Entry {
	var out []Entry
	walkLeaves(e.value, "", func(rel string, v any) {
		m := e.owners[rel]
		out = append(out, Entry{
			Region:  regionName,
			KeyPath: JoinPath(key, rel),
			Value:   clone(v),
			Writer:  m.writer,
			Seq:     m.seq,
		})
	})
	return out
}

// entryStore abstracts where entries live so one implementation of the write
// policies serves both the Board and its branches.
type entryStore interface {
	get(region, key string) *entry
	put(region, key string, e *entry)
	keys(region string) []string
}

// layer maps region -> top-level key -> entry.
type layer map[string]map[string]*entry

func (l layer) get(region, key string) *entry {
	return l[region][key]
}

func (l layer) put(region, key string, e *entry) {
	m, ok := l[region]
	if !ok {
		m = make(map[string]*entry)
		l[region] = m
	}
	m[key] = e
}

func (l layer) keys(region string) []string {
	return sortedKeys(l[region])
}

// overlay reads through delta to base and writes to delta only.
type overlay struct {
	base  layer
	delta layer
}

func (o *overlay) get(region, key string) *entry {
	if e := o.delta.get(region, key); e != nil {
		return e
	}
	return o.base.get(region, key)
}

func (o *overlay) put(region, key string, e *entry) {
	o.delta.put(region, key, e)
}

func (o *overlay) keys(region string) []string {
	seen := make(map[string]struct{})
	for k := range o.base[region] {
		seen[k] = struct{}{}
	}
	for k := range o.delta[region] {
		seen[k] = struct{}{}
	}
	return sortedKeys(seen)
}

// commitWrite applies a normalized write to st under the region's policy, logs it
// and returns the logged event. Callers hold the lock guarding st.
func commitWrite(st entryStore, log *EventLog, r *region, segs []string, value any, writer, branch string) (Event, error) {
	name := r.spec.Name
	keyPath := strings.Join(segs, ".")
	cur := st.get(name, segs[0])

	next, result, notice, err := computeWrite(cur, r.spec.Policy, segs[1:], value, writer)
	if err != nil {
		return Event{}, &SchemaViolation{Region: name, KeyPath: keyPath, Reason: err.Error()}
	}
	if err := r.validate(segs[0], next.value); err != nil {
		return Event{}, &SchemaViolation{Region: name, KeyPath: keyPath, Reason: err.Error()}
	}

	ev := log.append(Event{
		Actor:    writer,
		Region:   name,
		KeyPath:  keyPath,
		Op:       OpWrite,
		Value:    clone(result),
		Branch:   branch,
		Conflict: notice,
	})
	next.stamp(ev.Seq)
	st.put(name, segs[0], next)
	return ev, nil
}

// computeWrite builds the entry that results from writing value at rest inside cur.
func computeWrite(cur *entry, policy Policy, rest []string, value any, writer string) (*entry, any, *ConflictNotice, error) {
	var curVal any
	present := cur != nil
	if present {
		curVal = cur.value
	}
	owners := cur.ownersCopy()
	rel := strings.Join(rest, ".")

	var next any
	var notice *ConflictNotice
	switch policy {
	case PolicyOverwrite:
		prev, had := curVal, present
		if present && len(rest) > 0 {
			prev, had = lookup(curVal, rest)
		}
		if had && !equal(prev, value) {
			notice = &ConflictNotice{Previous: clone(prev), PreviousWriter: cur.ownerOf(rel)}
		}
		for p := range owners {
			if underPrefix(p, rel) || underPrefix(rel, p) {
				delete(owners, p)
			}
		}
		walkLeaves(value, rel, func(p string, _ any) { owners[p] = leafMeta{writer: writer} })
		next = assign(curVal, rest, value)

	case PolicyDeepMerge:
		m := &merger{owners: owners, writer: writer}
		var err error
		next, err = m.at(curVal, present, "", rest, value)
		if err != nil {
			return nil, nil, nil, err
		}

	default:
		return nil, nil, nil, fmt.Errorf("unknown write policy %q", policy)
	}

	result, _ := lookup(next, rest)
	return &entry{value: next, owners: owners}, result, notice, nil
}

// merger implements the deep-merge policy over one entry.
type merger struct {
	owners map[string]leafMeta
	writer string
}

// at descends to the write target, creating maps along the way.
func (m *merger) at(cur any, present bool, prefix string, rest []string, value any) (any, error) {
	if len(rest) == 0 {
		return m.merge(cur, present, prefix, value)
	}

	var base map[string]any
	if present {
		mm, ok := cur.(map[string]any)
		if !ok {
			// a leaf sits where a container is needed
			if err := m.claim(prefix); err != nil {
				return nil, err
			}
			delete(m.owners, prefix)
		}
		base = mm
	}
	child, childPresent := base[rest[0]]
	if len(base) == 0 {
		delete(m.owners, prefix)
	}

	v, err := m.at(child, childPresent, joinRel(prefix, rest[0]), rest[1:], value)
	if err != nil {
		return nil, err
	}
	out := copyMap(base)
	out[rest[0]] = v
	return out, nil
}

func (m *merger) merge(cur any, present bool, prefix string, value any) (any, error) {
	if !present {
		m.own(value, prefix)
		return value, nil
	}

	switch in := value.(type) {
	case map[string]any:
		existing, ok := cur.(map[string]any)
		if !ok {
			if err := m.claim(prefix); err != nil {
				return nil, err
			}
			delete(m.owners, prefix)
			m.own(in, prefix)
			return in, nil
		}
		if len(in) == 0 {
			return existing, nil
		}
		if len(existing) == 0 {
			delete(m.owners, prefix)
		}
		out := copyMap(existing)
		for _, k := range sortedKeys(in) {
			child, childPresent := existing[k]
			v, err := m.merge(child, childPresent, joinRel(prefix, k), in[k])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case []any:
		if existing, ok := cur.([]any); ok {
			if _, owned := m.owners[prefix]; !owned {
				m.owners[prefix] = leafMeta{writer: m.writer}
			}
			return unionAppend(existing, in), nil
		}
	}

	if equal(cur, value) {
		return cur, nil
	}
	if mm, ok := cur.(map[string]any); ok && len(mm) > 0 {
		for _, p := range sortedKeys(m.owners) {
			if underPrefix(p, prefix) && m.owners[p].writer != m.writer {
				return nil, &ownershipError{path: p, owner: m.owners[p].writer}
			}
		}
		for p := range m.owners {
			if underPrefix(p, prefix) {
				delete(m.owners, p)
			}
		}
	} else if err := m.claim(prefix); err != nil {
		return nil, err
	}
	m.own(value, prefix)
	return value, nil
}

// claim fails when the leaf at p belongs to a different writer.
func (m *merger) claim(p string) error {
	if meta, ok := m.owners[p]; ok && meta.writer != m.writer {
		return &ownershipError{path: p, owner: meta.writer}
	}
	return nil
}

func (m *merger) own(v any, prefix string) {
	walkLeaves(v, prefix, func(p string, _ any) { m.owners[p] = leafMeta{writer: m.writer} })
}

// readFrom returns a copy of the value at keyPath, or the whole region document for an empty key path.
func readFrom(st entryStore, s *Schema, regionName, keyPath string) (any, error) {
	if _, err := s.region(regionName); err != nil {
		return nil, err
	}
	segs, err := parseKeyPath(keyPath)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		doc := make(map[string]any)
		for _, k := range st.keys(regionName) {
			doc[k] = clone(st.get(regionName, k).value)
		}
		return doc, nil
	}
	e := st.get(regionName, segs[0])
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, JoinPath(regionName, keyPath))
	}
	v, ok := lookup(e.value, segs[1:])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, JoinPath(regionName, keyPath))
	}
	return clone(v), nil
}

// project builds the sub-tree of st addressed by patterns, keyed by region.
func project(st entryStore, patterns []string) map[string]any {
	out := make(map[string]any)
	for _, p := range patterns {
		segs := strings.Split(p, ".")
		name := segs[0]
		for _, k := range st.keys(name) {
			if len(segs) > 1 && segs[1] != Wildcard && segs[1] != k {
				continue
			}
			var rest []string
			if len(segs) > 2 {
				rest = segs[2:]
			}
			sel, ok := selectPath(st.get(name, k).value, rest)
			if !ok {
				continue
			}
			out[name] = mergeTrees(out[name], map[string]any{k: sel})
		}
	}
	return out
}

// selectPath returns the part of v addressed by segs, wrapped in its parent keys.
func selectPath(v any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return clone(v), true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if segs[0] == Wildcard {
		res := make(map[string]any)
		for k, x := range m {
			if sv, ok := selectPath(x, segs[1:]); ok {
				res[k] = sv
			}
		}
		return res, len(res) > 0
	}
	x, ok := m[segs[0]]
	if !ok {
		return nil, false
	}
	sv, ok := selectPath(x, segs[1:])
	if !ok {
		return nil, false
	}
	return map[string]any{segs[0]: sv}, true
}
