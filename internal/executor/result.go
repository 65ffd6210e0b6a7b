package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

// Status is the outcome of a step.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusSkipped        Status = "skipped"
	StatusFailed         Status = "failed"
	StatusFailedUpstream Status = "failed_upstream"

	// StatusCancelled marks sub-steps and page units whose work was discarded
	// because a sibling failed or the run was cancelled.
	StatusCancelled Status = "cancelled"
)

// Satisfies reports whether dependents of a step with this status may run.
func (s Status) Satisfies() bool {
	return s == StatusCompleted || s == StatusSkipped
}

var (
	// ErrUpstreamFailed is wrapped by the error of steps that never ran because a dependency failed.
	ErrUpstreamFailed = errors.New("upstream step failed")

	// ErrDiscarded is the error of sub-steps whose results were thrown away after a sibling failed.
	ErrDiscarded = errors.New("discarded after a sibling sub-step failed")
)

// StepFailedError wraps the terminal error of a step.
type StepFailedError struct {
	StepID string
	Err    error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// UnitResult is the outcome of one page-route unit.
type UnitResult struct {
	ID           string        `json:"id"`
	Agent        string        `json:"agent"`
	Pages        []int         `json:"pages"`
	Status       Status        `json:"status"`
	Err          error         `json:"-"`
	Content      string        `json:"-"`
	SnapshotHash string        `json:"snapshot_hash,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// StepResult is the outcome of a step or sub-step.
type StepResult struct {
	ID           string                `json:"id"`
	Kind         graph.Kind            `json:"kind"`
	Status       Status                `json:"status"`
	Err          error                 `json:"-"`
	Content      string                `json:"-"`
	PageContents map[int]string        `json:"-"`
	Confidence   *float64              `json:"confidence,omitempty"`
	SnapshotHash string                `json:"snapshot_hash,omitempty"` // digest of the step's read set before it ran
	Writes       int                   `json:"writes"`
	Rejected     []error               `json:"-"` // writes refused by authorization or the Board schema
	Conflicts    []blackboard.Conflict `json:"conflicts,omitempty"`
	Assignment   *router.Assignment    `json:"assignment,omitempty"`
	Units        []*UnitResult         `json:"units,omitempty"`
	SubResults   []*StepResult         `json:"sub_results,omitempty"`
	Duration     time.Duration         `json:"duration"`
}

// Error returns the step error message, or an empty string.
func (r *StepResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Result is the outcome of a run. The Board is always returned, including when
// steps failed.
type Result struct {
	RunID       string
	Content     string
	Order       []string
	Steps       map[string]*StepResult
	Board       *blackboard.Board
	PagesFailed []int
	Started     time.Time
	Finished    time.Time
}

// Step returns the result of a top-level step or sub-step.
func (r *Result) Step(id string) (*StepResult, bool) {
	if s, ok := r.Steps[id]; ok {
		return s, true
	}
	for _, s := range r.Steps {
		for _, sub := range s.SubResults {
			if sub.ID == id {
				return sub, true
			}
		}
	}
	return nil, false
}

// Status returns the status of a step, or an empty status when it is unknown.
func (r *Result) Status(id string) Status {
	if s, ok := r.Step(id); ok {
		return s.Status
	}
	return ""
}

// Failed returns the top-level steps that failed or were blocked by a failure, in order.
func (r *Result) Failed() []string {
	var out []string
	for _, id := range r.Order {
		if s := r.Steps[id]; s != nil && (s.Status == StatusFailed || s.Status == StatusFailedUpstream) {
			out = append(out, id)
		}
	}
	return out
}

// OK reports whether every top-level step completed or was skipped.
func (r *Result) OK() bool {
	return len(r.Failed()) == 0
}

// Events returns the Board's event log.
func (r *Result) Events() []blackboard.Event {
	return r.Board.Events()
}
