// Package resolver expands short run ID prefixes typed on the command line.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/folio/internal/archive"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// RunScanner finds archived run IDs by prefix. Implemented by *archive.Client.
type RunScanner interface {
	GetRun(ctx context.Context, runID string) (*archive.RunRecord, error)
	ScanRuns(ctx context.Context, prefix string) ([]string, error)
}

// ResolveRunID resolves a short ID prefix to a full run ID.
// Returns the full ID if exactly one match found.
//
// The function handles three cases:
// 1. Input is already a full UUID (36 chars, 4 hyphens) - validates existence
// 2. Input is too short (< 6 chars) - returns validation error
// 3. Input is a short prefix - scans for matches and returns unique result
func ResolveRunID(ctx context.Context, runs RunScanner, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		_, err := runs.GetRun(ctx, shortID)
		if err != nil {
			if archive.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify run existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := runs.ScanRuns(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for run: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no runs matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no runs found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple runs matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d runs", e.ShortID, len(e.Matches))
}

// Suggestion lists the matching IDs (up to 10, then "...and N more").
func (e *AmbiguousError) Suggestion() string {
	var b strings.Builder
	b.WriteString("Use a longer prefix. Matching runs:\n")
	for i, id := range e.Matches {
		if i == 10 {
			fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-10)
			break
		}
		fmt.Fprintf(&b, "  %s\n", id)
	}
	return strings.TrimRight(b.String(), "\n")
}
