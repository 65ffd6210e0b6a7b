package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/audit"
	"github.com/dyluth/folio/internal/timespec"
)

var (
	runsSince    string
	runsUntil    string
	runsOutput   string
	runsRedisURL string
	runsInstance string
)

var runsCmd = &cobra.Command{
	Use:   "runs [RUN_ID]",
	Short: "List archived runs, or show one",
	Long: `List Mode (no RUN_ID):
  Displays archived runs, oldest first, as a table or JSONL stream.

Show Mode (with RUN_ID):
  Accepts a short ID prefix of at least 6 characters. Displays the complete run record as pretty-printed JSON: step outcomes,
  final markdown, failed pages and the final board snapshot.

Time Filters (list mode only):
  --since  - Runs started after this time (duration, days or RFC3339)
  --until  - Runs started before this time

Examples:
  folio runs --since 24h
  folio runs --since 7d -o jsonl | jq 'select(.status=="failed") | .id'
  folio runs 3f2c9a1e-8b0d-4c7e-9a51-0d2b6f1e4a77`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsSince, "since", "", "Show runs started after time (duration or RFC3339)")
	runsCmd.Flags().StringVar(&runsUntil, "until", "", "Show runs started before time (duration or RFC3339)")
	runsCmd.Flags().StringVarP(&runsOutput, "output", "o", "default", "Output format: default or jsonl (ignored in show mode)")
	runsCmd.Flags().StringVar(&runsRedisURL, "redis-url", "", "Redis URL of the archive")
	runsCmd.Flags().StringVar(&runsInstance, "instance", "", "Archive instance name")

	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		format       audit.OutputFormat
		since, until time.Time
		err          error
	)
	if len(args) == 0 {
		format, err = audit.ParseFormat(runsOutput)
		if err != nil {
			return fail("invalid output format", err.Error(), "Valid formats: default, jsonl")
		}
		since, until, err = timespec.ParseRange(runsSince, runsUntil, time.Now())
		if err != nil {
			return fail(
				"invalid time filter",
				err.Error(),
				"Use duration format like '1h30m', days like '7d' or RFC3339 like '2025-10-29T13:00:00Z'",
			)
		}
	}

	client, err := openArchive(ctx, runsRedisURL, runsInstance)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(args) == 1 {
		runID, err := resolveRun(ctx, client, args[0])
		if err != nil {
			return err
		}
		if err := audit.ShowRun(ctx, client, runID, cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("failed to show run: %w", err)
		}
		return nil
	}

	if err := audit.ListRuns(ctx, client, since, until, format, cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	return nil
}
