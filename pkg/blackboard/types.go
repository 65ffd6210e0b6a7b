package blackboard

// Policy decides how a region resolves writes to keys that already hold a value.
type Policy string

const (
	// PolicyOverwrite lets the last write win and records a conflict when it replaces a different value
	PolicyOverwrite Policy = "overwrite"

	// PolicyDeepMerge merges writes into the region and never replaces another writer's leaves
	PolicyDeepMerge Policy = "deep_merge"
)

// Validate checks that the policy is one of the known values.
func (p Policy) Validate() error {
	switch p {
	case PolicyOverwrite, PolicyDeepMerge:
		return nil
	default:
		return &SchemaViolation{Reason: "unknown write policy " + string(p)}
	}
}

// Op identifies the kind of Board access recorded in an Event.
type Op string

const (
	// OpRead is recorded for every Read, Query result and Subscribe pattern
	OpRead Op = "read"

	// OpWrite is recorded for every accepted write and every replayed branch write
	OpWrite Op = "write"
)

// Event is one entry in the Board's append-only log.
// Sequence numbers are assigned by the log and are strictly increasing.
type Event struct {
	Seq      uint64          `json:"seq"`                // Monotonic position in the log, starting at 1
	Actor    string          `json:"actor"`              // Step or engine component that performed the access
	Region   string          `json:"region"`             // Region accessed
	KeyPath  string          `json:"key_path"`           // Key path inside the region; empty for whole-region access
	Op       Op              `json:"op"`                 // read or write
	Value    any             `json:"value,omitempty"`    // Resulting value at KeyPath for writes
	Found    bool            `json:"found,omitempty"`    // Whether a read found a value
	Branch   string          `json:"branch,omitempty"`   // Branch name when the access happened inside a parallel branch
	Conflict *ConflictNotice `json:"conflict,omitempty"` // Set when the write replaced or collided with another writer's value
}

// IsWrite reports whether the event records a write.
func (e Event) IsWrite() bool { return e.Op == OpWrite }

// Path returns the full board path of the event.
func (e Event) Path() string { return JoinPath(e.Region, e.KeyPath) }

// ConflictNotice describes the value a write collided with.
type ConflictNotice struct {
	Previous       any    `json:"previous,omitempty"`
	PreviousWriter string `json:"previous_writer,omitempty"`
	Rejected       bool   `json:"rejected,omitempty"`  // The incoming value was dropped and Previous was kept
	Attempted      any    `json:"attempted,omitempty"` // Incoming value when Rejected is set
}

// Conflict is reported by MergeParallel for every key two writers disagreed on.
type Conflict struct {
	Region    string `json:"region"`
	KeyPath   string `json:"key_path"`
	Policy    Policy `json:"policy"`
	Winner    string `json:"winner"`              // Writer whose value is on the Board after the merge
	Loser     string `json:"loser"`               // Writer whose value was replaced or rejected
	Kept      any    `json:"kept,omitempty"`      // Value now on the Board
	Discarded any    `json:"discarded,omitempty"` // Value that lost
}

// Entry is a single leaf returned by Query.
type Entry struct {
	Region  string `json:"region"`
	KeyPath string `json:"key_path"`
	Value   any    `json:"value"`
	Writer  string `json:"writer"`
	Seq     uint64 `json:"seq"` // Sequence number of the write that last set this leaf
}
