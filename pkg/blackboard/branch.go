package blackboard

import (
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Branch is a copy-on-write overlay of a Board used by one sub-step of a parallel
// group. It reads the Board as it was when the branch was taken plus its own writes.
type Branch struct {
	name   string
	parent *Board

	mu     sync.RWMutex
	layers *overlay
	writes []recordedWrite
	closed bool
}

type recordedWrite struct {
	region *region
	segs   []string
	value  any
	writer string
}

// Name returns the branch name given to Board.Branch.
func (br *Branch) Name() string {
	return br.name
}

// Read behaves like Board.Read against the branch overlay.
func (br *Branch) Read(region, keyPath, readerID string) (any, error) {
	br.mu.RLock()
	defer br.mu.RUnlock()

	v, err := readFrom(br.layers, br.parent.schema, region, keyPath)
	br.parent.log.append(Event{Actor: readerID, Region: region, KeyPath: keyPath, Op: OpRead, Found: err == nil, Branch: br.name})
	return v, err
}

// Write behaves like Board.Write but only changes the branch overlay.
func (br *Branch) Write(region, keyPath string, value any, writerID string) error {
	r, segs, norm, err := br.parent.prepareWrite(region, keyPath, value)
	if err != nil {
		return err
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return fmt.Errorf("branch %q: %w", br.name, ErrBranchClosed)
	}
	if _, err := commitWrite(br.layers, br.parent.log, r, segs, norm, writerID, br.name); err != nil {
		return err
	}
	br.writes = append(br.writes, recordedWrite{region: r, segs: segs, value: norm, writer: writerID})
	return nil
}

// Query behaves like Board.Query against the branch overlay.
func (br *Branch) Query(region, readerID string, match func(Entry) bool) iter.Seq[Entry] {
	return queryStore(&br.mu, br.layers, br.parent.log, region, readerID, br.name, match)
}

// Subscribe behaves like Board.Subscribe against the branch overlay.
func (br *Branch) Subscribe(readerID string, patterns ...string) View {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return subscribe(br.layers, br.parent.log, br.parent.maxViewBytes, readerID, br.name, patterns)
}

// SnapshotHash behaves like Board.SnapshotHash against the branch overlay.
func (br *Branch) SnapshotHash(patterns ...string) string {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return snapshotHash(br.layers, patterns)
}

// Writes returns the number of writes recorded on the branch.
func (br *Branch) Writes() int {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return len(br.writes)
}

// Discard closes the branch without merging it. Its writes never reach the Board.
func (br *Branch) Discard() {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.closed = true
	br.writes = nil
}

// MergeParallel replays the writes of each branch onto the Board, branch by branch
// in the order given and write by write in the order they happened. Overwrite
// regions let the later write win; deep-merge regions keep the existing leaf when
// another writer owned it. Every collision is returned as a Conflict and logged
// as a write event carrying a ConflictNotice.
//
// All branches must come from this Board and still be open; otherwise nothing is
// merged and an error is returned.
func (b *Board) MergeParallel(branches ...*Branch) ([]Conflict, error) {
	seen := make(map[*Branch]struct{}, len(branches))
	for _, br := range branches {
		if br.parent != b {
			return nil, fmt.Errorf("branch %q: %w", br.name, ErrForeignBranch)
		}
		if _, dup := seen[br]; dup {
			return nil, fmt.Errorf("branch %q passed twice", br.name)
		}
		seen[br] = struct{}{}
		br.mu.RLock()
		closed := br.closed
		br.mu.RUnlock()
		if closed {
			return nil, fmt.Errorf("branch %q: %w", br.name, ErrBranchClosed)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var conflicts []Conflict
	for _, br := range branches {
		br.mu.Lock()
		writes := br.writes
		br.writes = nil
		br.closed = true
		br.mu.Unlock()

		for _, w := range writes {
			if c, ok := b.replay(w); ok {
				conflicts = append(conflicts, c)
			}
		}
	}
	return conflicts, nil
}

// replay applies one branch write to the Board. Callers hold b.mu.
func (b *Board) replay(w recordedWrite) (Conflict, bool) {
	name := w.region.spec.Name
	keyPath := strings.Join(w.segs, ".")

	ev, err := commitWrite(b.data, b.log, w.region, w.segs, w.value, w.writer, "")
	if err == nil {
		if ev.Conflict == nil {
			return Conflict{}, false
		}
		return Conflict{
			Region:    name,
			KeyPath:   keyPath,
			Policy:    w.region.spec.Policy,
			Winner:    w.writer,
			Loser:     ev.Conflict.PreviousWriter,
			Kept:      clone(ev.Value),
			Discarded: clone(ev.Conflict.Previous),
		}, true
	}

	// The write collided with another writer's leaf; the Board keeps what it had.
	cur := b.data.get(name, w.segs[0])
	var kept any
	if cur != nil {
		kept, _ = lookup(cur.value, w.segs[1:])
	}
	owner := cur.ownerOf(strings.Join(w.segs[1:], "."))
	b.log.append(Event{
		Actor:   w.writer,
		Region:  name,
		KeyPath: keyPath,
		Op:      OpWrite,
		Value:   clone(kept),
		Conflict: &ConflictNotice{
			Previous:       clone(kept),
			PreviousWriter: owner,
			Rejected:       true,
			Attempted:      clone(w.value),
		},
	})
	return Conflict{
		Region:    name,
		KeyPath:   keyPath,
		Policy:    w.region.spec.Policy,
		Winner:    owner,
		Loser:     w.writer,
		Kept:      clone(kept),
		Discarded: clone(w.value),
	}, true
}
