package archive

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/pkg/blackboard"
)

// Run statuses stored on a RunRecord
const (
	RunStatusOK        = "ok"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunRecord is the archived summary of one pipeline run.
type RunRecord struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Content     string         `json:"content"`
	Order       []string       `json:"order"`
	Steps       []StepRecord   `json:"steps"`
	PagesFailed []int          `json:"pages_failed"`
	Snapshot    map[string]any `json:"snapshot"` // final Board state by region
	EventCount  int            `json:"event_count"`
}

// StepRecord is the archived outcome of one top-level step.
type StepRecord struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	Status       string       `json:"status"`
	Error        string       `json:"error,omitempty"`
	Writes       int          `json:"writes"`
	Rejected     int          `json:"rejected"`
	Conflicts    int          `json:"conflicts"`
	SnapshotHash string       `json:"snapshot_hash,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	Subs         []StepRecord `json:"subs,omitempty"`
	Units        []UnitRecord `json:"units,omitempty"`
}

// UnitRecord is the archived outcome of one page-route unit.
type UnitRecord struct {
	ID     string `json:"id"`
	Agent  string `json:"agent"`
	Pages  []int  `json:"pages"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRunRecord summarizes an executor result.
func NewRunRecord(pipeline string, res *executor.Result) *RunRecord {
	rec := &RunRecord{
		ID:          res.RunID,
		Pipeline:    pipeline,
		Status:      RunStatusOK,
		StartedAt:   res.Started,
		FinishedAt:  res.Finished,
		Content:     res.Content,
		Order:       res.Order,
		PagesFailed: res.PagesFailed,
		Snapshot:    res.Board.Snapshot(),
		EventCount:  res.Board.Log().Len(),
	}
	for _, id := range res.Order {
		s, ok := res.Steps[id]
		if !ok {
			continue
		}
		switch s.Status {
		case executor.StatusFailed, executor.StatusFailedUpstream:
			rec.Status = RunStatusFailed
		case executor.StatusCancelled:
			if rec.Status == RunStatusOK {
				rec.Status = RunStatusCancelled
			}
		}
		rec.Steps = append(rec.Steps, newStepRecord(s))
	}
	return rec
}

func newStepRecord(s *executor.StepResult) StepRecord {
	rec := StepRecord{
		ID:           s.ID,
		Kind:         string(s.Kind),
		Status:       string(s.Status),
		Error:        s.Error(),
		Writes:       s.Writes,
		Rejected:     len(s.Rejected),
		Conflicts:    len(s.Conflicts),
		SnapshotHash: s.SnapshotHash,
		DurationMs:   s.Duration.Milliseconds(),
	}
	for _, sub := range s.SubResults {
		rec.Subs = append(rec.Subs, newStepRecord(sub))
	}
	for _, u := range s.Units {
		unit := UnitRecord{ID: u.ID, Agent: u.Agent, Pages: u.Pages, Status: string(u.Status)}
		if u.Err != nil {
			unit.Error = u.Err.Error()
		}
		rec.Units = append(rec.Units, unit)
	}
	return rec
}

// RunToHash converts a RunRecord to a Redis hash. Slice and map fields are
// JSON-encoded into single hash fields.
func RunToHash(r *RunRecord) (map[string]interface{}, error) {
	order, err := json.Marshal(r.Order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	pagesFailed, err := json.Marshal(r.PagesFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pages_failed: %w", err)
	}
	snapshot, err := json.Marshal(r.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return map[string]interface{}{
		"id":             r.ID,
		"pipeline":       r.Pipeline,
		"status":         r.Status,
		"started_at_ms":  r.StartedAt.UnixMilli(),
		"finished_at_ms": r.FinishedAt.UnixMilli(),
		"content":        r.Content,
		"order":          string(order),
		"steps":          string(steps),
		"pages_failed":   string(pagesFailed),
		"snapshot":       string(snapshot),
		"event_count":    r.EventCount,
	}, nil
}

// HashToRun converts a Redis hash back to a RunRecord.
func HashToRun(hash map[string]string) (*RunRecord, error) {
	started, err := strconv.ParseInt(hash["started_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at_ms field: %w", err)
	}
	finished, err := strconv.ParseInt(hash["finished_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid finished_at_ms field: %w", err)
	}
	events, _ := strconv.Atoi(hash["event_count"])

	r := &RunRecord{
		ID:         hash["id"],
		Pipeline:   hash["pipeline"],
		Status:     hash["status"],
		StartedAt:  time.UnixMilli(started).UTC(),
		FinishedAt: time.UnixMilli(finished).UTC(),
		Content:    hash["content"],
		EventCount: events,
	}
	for field, dst := range map[string]any{
		"order":        &r.Order,
		"steps":        &r.Steps,
		"pages_failed": &r.PagesFailed,
		"snapshot":     &r.Snapshot,
	} {
		raw := hash[field]
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", field, err)
		}
	}
	return r, nil
}

// PublishedEvent is the payload of a board_events message.
type PublishedEvent struct {
	RunID string           `json:"run_id"`
	Event blackboard.Event `json:"event"`
}
