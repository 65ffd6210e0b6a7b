package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/folio/internal/archive"
	"github.com/dyluth/folio/pkg/blackboard"
)

// ListEvents fetches the archived board events of a run, applies the criteria
// and writes them in the requested format.
func ListEvents(ctx context.Context, client *archive.Client, runID string, format OutputFormat, filters *Criteria, w io.Writer) error {
	if filters != nil {
		if err := filters.Validate(); err != nil {
			return err
		}
	}

	var keep func(e blackboard.Event) bool
	if filters != nil && filters.HasFilters() {
		keep = filters.Matches
	}

	events, err := client.ListEvents(ctx, runID, keep)
	if archive.IsNotFound(err) {
		return fmt.Errorf("run '%s' not found in instance '%s'", runID, client.InstanceName())
	}
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatDefault:
		FormatEventTable(w, events, runID)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, events); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}

// ListRuns writes archived runs that started within [since, until], oldest first.
func ListRuns(ctx context.Context, client *archive.Client, since, until time.Time, format OutputFormat, w io.Writer) error {
	runs, err := client.ListRuns(ctx, since, until)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatDefault:
		FormatRunTable(w, runs, client.InstanceName())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, runs); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}

// ShowRun writes one archived run as pretty-printed JSON.
func ShowRun(ctx context.Context, client *archive.Client, runID string, w io.Writer) error {
	run, err := client.GetRun(ctx, runID)
	if archive.IsNotFound(err) {
		return fmt.Errorf("run '%s' not found in instance '%s'", runID, client.InstanceName())
	}
	if err != nil {
		return err
	}
	return FormatRunJSON(w, run)
}
