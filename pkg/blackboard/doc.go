// Package blackboard provides the typed shared memory that pipeline steps use to
// coordinate while converting a document to markdown.
//
// # Overview
//
// A Board is a per-request store made of named regions. Each region has a JSON
// schema describing the values it accepts and a write policy deciding what happens
// when two writers touch the same key. Steps never talk to each other directly;
// they read observations from the Board, do their work, and write new observations
// back. Every read and write is recorded in an append-only EventLog so a run can be
// audited afterwards.
//
// # Regions and Policies
//
// The built-in regions are document_metadata, page_observations, step_outputs,
// agent_notes and confidence_signals. A region uses one of two policies:
//
//   - PolicyOverwrite: the last write wins. A write that replaces a different
//     existing value carries a ConflictNotice in its event.
//   - PolicyDeepMerge: writes are merged into the existing document. New keys are
//     added, arrays are extended with unseen elements, and a leaf owned by another
//     writer is never replaced or deleted.
//
// Custom regions can be registered through NewSchema and WithSchema.
//
// # Key Paths
//
// Read and Write address a value by region plus a dot separated key path inside
// the region, for example ("page_observations", "3.quality_score"). Patterns used
// for subscriptions and write authorization are full paths that start with the
// region and may use "*" to match exactly one segment:
//
//	document_metadata.language
//	page_observations.*.continues_on_next_page
//	step_outputs
//
// A pattern addresses the path it names and everything beneath it.
//
// # Branches
//
// A parallel group runs its sub-steps against Branch overlays taken from the Board
// when the group starts. A branch sees the frozen snapshot plus its own writes and
// nothing else. MergeParallel replays the branches' writes onto the Board in the
// order the branches are given, applying each region's policy and reporting every
// conflict. A branch that is discarded never touches the Board.
//
// # Usage Example
//
//	board := blackboard.New()
//
//	if err := board.Write("document_metadata", "language", "en", "classify"); err != nil {
//		return err
//	}
//
//	lang, err := board.Read("document_metadata", "language", "extract")
//	if blackboard.IsNotFound(err) {
//		// nothing has been observed yet
//	}
//
//	view := board.Subscribe("extract", "document_metadata", "page_observations.*.rotation")
//	digest := board.SnapshotHash("document_metadata", "page_observations.*.rotation")
//
// # Concurrency
//
// Board and Branch are safe for concurrent use. Values are normalized to their
// JSON shape on write and copied on read, so callers never share mutable state
// with the Board. No lock is held while a Query iterator yields to its caller.
package blackboard
