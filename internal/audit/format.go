// Package audit renders archived runs and their board events for the folio CLI.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/folio/internal/archive"
	"github.com/dyluth/folio/pkg/blackboard"
)

// OutputFormat specifies how to format list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated values
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseFormat validates an --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputFormatDefault, OutputFormatJSONL:
		return f, nil
	case "":
		return OutputFormatDefault, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (use default or jsonl)", s)
	}
}

// FormatEventTable writes board events as a table with columns SEQ, OP, ACTOR,
// PATH and VALUE (truncated). Returns the number of events formatted.
func FormatEventTable(w io.Writer, events []blackboard.Event, runID string) int {
	if len(events) == 0 {
		fmt.Fprintf(w, "No events found for run '%s'\n", runID)
		return 0
	}

	fmt.Fprintf(w, "Board events for run '%s':\n\n", runID)
	fmt.Fprintf(w, "%-5s %-5s %-20s %-40s %s\n", "SEQ", "OP", "ACTOR", "PATH", "VALUE")
	fmt.Fprintf(w, "%-5s %-5s %-20s %-40s %s\n",
		"-----", "-----", "--------------------", "----------------------------------------", "------------------------------")

	for _, e := range events {
		fmt.Fprintf(w, "%-5d %-5s %-20s %-40s %s\n",
			e.Seq,
			e.Op,
			truncate(e.Actor, 20),
			truncate(formatPath(e), 40),
			formatValue(e),
		)
	}

	countMsg := "event"
	if len(events) != 1 {
		countMsg = "events"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(events), countMsg)

	return len(events)
}

// FormatRunTable writes archived runs as a table. Returns the number of runs formatted.
func FormatRunTable(w io.Writer, runs []*archive.RunRecord, instanceName string) int {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Runs for instance '%s':\n\n", instanceName)
	fmt.Fprintf(w, "%-10s %-18s %-10s %-6s %-7s %-8s %s\n",
		"ID", "PIPELINE", "STATUS", "STEPS", "EVENTS", "AGE", "FAILED PAGES")
	fmt.Fprintf(w, "%-10s %-18s %-10s %-6s %-7s %-8s %s\n",
		"----------", "------------------", "----------", "------", "-------", "--------", "------------")

	for _, r := range runs {
		fmt.Fprintf(w, "%-10s %-18s %-10s %-6d %-7d %-8s %s\n",
			formatID(r.ID),
			truncate(r.Pipeline, 18),
			r.Status,
			len(r.Steps),
			r.EventCount,
			formatAge(r.StartedAt),
			formatPages(r.PagesFailed),
		)
	}

	countMsg := "run"
	if len(runs) != 1 {
		countMsg = "runs"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(runs), countMsg)

	return len(runs)
}

// FormatEventLine renders one event on a single line for live streams.
func FormatEventLine(runID string, e blackboard.Event) string {
	line := fmt.Sprintf("run %s #%d %s %s by %s", formatID(runID), e.Seq, e.Op, formatPath(e), e.Actor)
	if e.Op == blackboard.OpWrite {
		line += " = " + formatValue(e)
	}
	return line
}

// FormatJSONL writes each item as a single JSON object on its own line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatRunJSON writes a single run as pretty-printed JSON.
func FormatRunJSON(w io.Writer, run *archive.RunRecord) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run to JSON: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)

	return nil
}

// formatID truncates a run ID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatPath(e blackboard.Event) string {
	p := e.Path()
	if e.Branch != "" {
		p += " @" + e.Branch
	}
	return p
}

// formatValue renders the written value as compact JSON on one line. Reads show
// whether a value was found; conflicting writes are marked with "!".
func formatValue(e blackboard.Event) string {
	if e.Op == blackboard.OpRead {
		if e.Found {
			return "found"
		}
		return "-"
	}

	data, err := json.Marshal(e.Value)
	if err != nil {
		return "?"
	}
	v := truncate(strings.Join(strings.Fields(string(data)), " "), 40)
	if e.Conflict != nil {
		if e.Conflict.Rejected {
			return "! kept " + truncate(compact(e.Conflict.Previous), 30)
		}
		return "! " + v
	}
	return v
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(data)
}

// truncate shortens s to n characters with a "..." suffix.
func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatPages(pages []int) string {
	if len(pages) == 0 {
		return "-"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}

// formatAge shows a timestamp relative to now, like "2m ago" or "1h ago".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := time.Since(t)
	if diff < time.Minute {
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	} else {
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
