package blackboard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"maps"
	"sync"
)

// DefaultMaxViewBytes bounds the serialized size of each region in a View.
const DefaultMaxViewBytes = 8000

// Board is the per-request shared memory. Create one per request with New.
type Board struct {
	mu           sync.RWMutex
	schema       *Schema
	data         layer
	log          *EventLog
	maxViewBytes int
}

// Option configures a Board.
type Option func(*Board)

// WithSchema replaces the built-in regions.
func WithSchema(s *Schema) Option {
	return func(b *Board) { b.schema = s }
}

// WithMaxViewBytes sets the per-region size bound applied by Subscribe.
// Non-positive values disable truncation.
func WithMaxViewBytes(n int) Option {
	return func(b *Board) { b.maxViewBytes = n }
}

// New creates an empty Board.
func New(opts ...Option) *Board {
	b := &Board{
		schema:       DefaultSchema(),
		log:          newEventLog(),
		maxViewBytes: DefaultMaxViewBytes,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.data = make(layer, len(b.schema.names))
	for _, name := range b.schema.names {
		b.data[name] = make(map[string]*entry)
	}
	return b
}

// Schema returns the regions this Board accepts.
func (b *Board) Schema() *Schema {
	return b.schema
}

// Log returns the Board's event log.
func (b *Board) Log() *EventLog {
	return b.log
}

// Events returns a copy of every event recorded so far.
func (b *Board) Events() []Event {
	return b.log.Events()
}

// Read returns a copy of the value at keyPath inside region. An empty key path
// returns the whole region document. A read event is logged whether or not the
// value exists; missing values return an error wrapping ErrNotFound.
func (b *Board) Read(region, keyPath, readerID string) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, err := readFrom(b.data, b.schema, region, keyPath)
	b.log.append(Event{Actor: readerID, Region: region, KeyPath: keyPath, Op: OpRead, Found: err == nil})
	return v, err
}

// Write stores value at keyPath inside region on behalf of writerID.
// The value is normalized to its JSON shape, merged according to the region's
// policy and validated against the region schema. Rejected writes return a
// *SchemaViolation and leave the Board unchanged.
func (b *Board) Write(region, keyPath string, value any, writerID string) error {
	r, segs, norm, err := b.prepareWrite(region, keyPath, value)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, err = commitWrite(b.data, b.log, r, segs, norm, writerID, "")
	return err
}

func (b *Board) prepareWrite(regionName, keyPath string, value any) (*region, []string, any, error) {
	r, err := b.schema.region(regionName)
	if err != nil {
		return nil, nil, nil, &SchemaViolation{Region: regionName, KeyPath: keyPath, Reason: err.Error()}
	}
	segs, err := parseKeyPath(keyPath)
	if err != nil {
		return nil, nil, nil, &SchemaViolation{Region: regionName, KeyPath: keyPath, Reason: err.Error()}
	}
	if len(segs) == 0 {
		return nil, nil, nil, &SchemaViolation{Region: regionName, Reason: "key path cannot be empty"}
	}
	norm, err := normalize(value)
	if err != nil {
		return nil, nil, nil, &SchemaViolation{Region: regionName, KeyPath: keyPath, Reason: fmt.Sprintf("value is not JSON encodable: %v", err)}
	}
	return r, segs, norm, nil
}

// Query lazily yields the leaves of region accepted by match, in key order.
// The Board lock is taken per top-level key and is never held while yielding,
// so the caller may read or write the Board inside the loop.
func (b *Board) Query(region, readerID string, match func(Entry) bool) iter.Seq[Entry] {
	return queryStore(&b.mu, b.data, b.log, region, readerID, "", match)
}

func queryStore(mu *sync.RWMutex, st entryStore, log *EventLog, region, readerID, branch string, match func(Entry) bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		mu.RLock()
		keys := st.keys(region)
		mu.RUnlock()

		for _, k := range keys {
			mu.RLock()
			var batch []Entry
			if e := st.get(region, k); e != nil {
				for _, leaf := range e.leaves(region, k) {
					if match != nil && !match(leaf) {
						continue
					}
					log.append(Event{Actor: readerID, Region: region, KeyPath: leaf.KeyPath, Op: OpRead, Found: true, Branch: branch})
					batch = append(batch, leaf)
				}
			}
			mu.RUnlock()

			for _, leaf := range batch {
				if !yield(leaf) {
					return
				}
			}
		}
	}
}

// Subscribe returns a bounded projection of the Board restricted to patterns,
// which is what a step sees as its context. One read event is logged per pattern.
func (b *Board) Subscribe(readerID string, patterns ...string) View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return subscribe(b.data, b.log, b.maxViewBytes, readerID, "", patterns)
}

func subscribe(st entryStore, log *EventLog, maxBytes int, readerID, branch string, patterns []string) View {
	data := project(st, patterns)
	for _, p := range patterns {
		region, keyPath := SplitPath(p)
		_, found := data[region]
		log.append(Event{Actor: readerID, Region: region, KeyPath: keyPath, Op: OpRead, Found: found, Branch: branch})
	}
	return newView(data, maxBytes)
}

// SnapshotHash returns a hex SHA-256 digest of the canonical JSON of the values
// addressed by patterns. Boards holding equal values at those paths produce equal
// digests. It does not log reads.
func (b *Board) SnapshotHash(patterns ...string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return snapshotHash(b.data, patterns)
}

func snapshotHash(st entryStore, patterns []string) string {
	// values are normalized on write, so encoding cannot fail
	raw, _ := canonicalJSON(project(st, patterns))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Snapshot returns a copy of every region document. It does not log reads.
func (b *Board) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.schema.names))
	for _, name := range b.schema.names {
		doc, _ := readFrom(b.data, b.schema, name, "")
		out[name] = doc
	}
	return out
}

// Branch takes an isolated overlay of the Board as it is now. Writes to the
// branch are invisible to the Board until MergeParallel replays them.
func (b *Board) Branch(name string) *Branch {
	b.mu.RLock()
	defer b.mu.RUnlock()

	base := make(layer, len(b.data))
	for region, entries := range b.data {
		base[region] = maps.Clone(entries)
	}
	return &Branch{
		name:   name,
		parent: b,
		layers: &overlay{base: base, delta: make(layer)},
	}
}
