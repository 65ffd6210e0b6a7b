package blackboard

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchIsolation(t *testing.T) {
	b := New()
	require.NoError(t, b.Write(RegionDocumentMetadata, "language", "en", "classify"))

	br := b.Branch("tables")
	require.NoError(t, br.Write(RegionPageObservations, "1.table_count", 2, "tables"))
	require.NoError(t, b.Write(RegionDocumentMetadata, "layout", "two-column", "layout"))

	t.Run("branch sees the snapshot and its own writes", func(t *testing.T) {
		lang, err := br.Read(RegionDocumentMetadata, "language", "tables")
		require.NoError(t, err)
		assert.Equal(t, "en", lang)

		count, err := br.Read(RegionPageObservations, "1.table_count", "tables")
		require.NoError(t, err)
		assert.Equal(t, float64(2), count)

		_, err = br.Read(RegionDocumentMetadata, "layout", "tables")
		assert.True(t, IsNotFound(err), "writes to the board after branching must stay invisible")
	})

	t.Run("board does not see branch writes", func(t *testing.T) {
		_, err := b.Read(RegionPageObservations, "1.table_count", "x")
		assert.True(t, IsNotFound(err))
	})

	t.Run("branch events are tagged", func(t *testing.T) {
		var tagged int
		for _, e := range b.Events() {
			if e.Branch == "tables" {
				tagged++
			}
		}
		assert.Equal(t, 4, tagged)
	})
}

func TestMergeParallel(t *testing.T) {
	t.Run("later branch wins on overwrite regions", func(t *testing.T) {
		b := New()
		a, c := b.Branch("a"), b.Branch("b")
		require.NoError(t, a.Write(RegionDocumentMetadata, "language", "en", "a"))
		require.NoError(t, c.Write(RegionDocumentMetadata, "language", "de", "b"))

		conflicts, err := b.MergeParallel(a, c)
		require.NoError(t, err)

		v, err := b.Read(RegionDocumentMetadata, "language", "x")
		require.NoError(t, err)
		assert.Equal(t, "de", v)

		require.Len(t, conflicts, 1)
		assert.Equal(t, Conflict{
			Region:    RegionDocumentMetadata,
			KeyPath:   "language",
			Policy:    PolicyOverwrite,
			Winner:    "b",
			Loser:     "a",
			Kept:      "de",
			Discarded: "en",
		}, conflicts[0])
		assert.Len(t, b.Log().Conflicts(), 1)
	})

	t.Run("disjoint deep-merge writes are order independent", func(t *testing.T) {
		build := func(order ...string) *Board {
			b := New()
			branches := map[string]*Branch{"a": b.Branch("a"), "b": b.Branch("b")}
			require.NoError(t, branches["a"].Write(RegionPageObservations, "3.rotation", 90, "a"))
			require.NoError(t, branches["b"].Write(RegionPageObservations, "3.quality_score", 0.6, "b"))
			conflicts, err := b.MergeParallel(branches[order[0]], branches[order[1]])
			require.NoError(t, err)
			assert.Empty(t, conflicts)
			return b
		}

		ab := build("a", "b")
		ba := build("b", "a")
		assert.Equal(t, ab.SnapshotHash(RegionPageObservations), ba.SnapshotHash(RegionPageObservations))
		if diff := cmp.Diff(ab.Snapshot(), ba.Snapshot()); diff != "" {
			t.Errorf("snapshots differ by merge order (-ab +ba):\n%s", diff)
		}

		v, err := ab.Read(RegionPageObservations, "3", "x")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"rotation": float64(90), "quality_score": 0.6}, v)
	})

	t.Run("colliding deep-merge leaf keeps the first writer", func(t *testing.T) {
		b := New()
		a, c := b.Branch("a"), b.Branch("b")
		require.NoError(t, a.Write(RegionPageObservations, "3.rotation", 90, "a"))
		require.NoError(t, c.Write(RegionPageObservations, "3.rotation", 180, "b"))

		conflicts, err := b.MergeParallel(a, c)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "a", conflicts[0].Winner)
		assert.Equal(t, "b", conflicts[0].Loser)
		assert.Equal(t, float64(180), conflicts[0].Discarded)

		v, err := b.Read(RegionPageObservations, "3.rotation", "x")
		require.NoError(t, err)
		assert.Equal(t, float64(90), v)

		logged := b.Log().Conflicts()
		require.Len(t, logged, 1)
		assert.True(t, logged[0].Conflict.Rejected)
		assert.Equal(t, float64(180), logged[0].Conflict.Attempted)
	})

	t.Run("merged writes keep the branch writer", func(t *testing.T) {
		b := New()
		br := b.Branch("notes")
		require.NoError(t, br.Write(RegionAgentNotes, "ocr", map[string]any{"lang": "en"}, "ocr"))
		_, err := b.MergeParallel(br)
		require.NoError(t, err)

		err = b.Write(RegionAgentNotes, "ocr.lang", "fr", "review")
		assert.True(t, IsSchemaViolation(err))
	})
}

func TestMergeParallelErrors(t *testing.T) {
	t.Run("discarded branch never reaches the board", func(t *testing.T) {
		b := New()
		br := b.Branch("c")
		require.NoError(t, br.Write(RegionDocumentMetadata, "language", "en", "c"))
		br.Discard()

		_, err := b.MergeParallel(br)
		assert.True(t, errors.Is(err, ErrBranchClosed))
		assert.True(t, errors.Is(br.Write(RegionDocumentMetadata, "layout", "x", "c"), ErrBranchClosed))

		_, err = b.Read(RegionDocumentMetadata, "language", "x")
		assert.True(t, IsNotFound(err))
	})

	t.Run("branch merges only once", func(t *testing.T) {
		b := New()
		br := b.Branch("a")
		_, err := b.MergeParallel(br)
		require.NoError(t, err)
		_, err = b.MergeParallel(br)
		assert.True(t, errors.Is(err, ErrBranchClosed))
	})

	t.Run("rejects branches from another board", func(t *testing.T) {
		b, other := New(), New()
		br := other.Branch("a")
		_, err := b.MergeParallel(br)
		assert.True(t, errors.Is(err, ErrForeignBranch))
	})

	t.Run("rejects duplicates before merging anything", func(t *testing.T) {
		b := New()
		br := b.Branch("a")
		require.NoError(t, br.Write(RegionDocumentMetadata, "language", "en", "a"))
		_, err := b.MergeParallel(br, br)
		require.Error(t, err)

		_, err = b.Read(RegionDocumentMetadata, "language", "x")
		assert.True(t, IsNotFound(err))
	})
}
