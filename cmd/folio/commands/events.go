package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/audit"
	"github.com/dyluth/folio/pkg/blackboard"
)

var (
	eventsRegion    string
	eventsPath      string
	eventsActor     string
	eventsOp        string
	eventsConflicts bool
	eventsOutput    string
	eventsRedisURL  string
	eventsInstance  string
)

var eventsCmd = &cobra.Command{
	Use:   "events RUN_ID",
	Short: "Inspect the board event log of an archived run",
	Long: `Print every Board read and write recorded during an archived run, in
sequence order.

Output Formats:
  default - Human-readable table with sequence, op, actor, path and value
  jsonl   - Line-delimited JSON, one event per line

Filters:
  --region    - Region name (glob pattern: "page_*")
  --path      - Board path pattern ("page_observations.*.quality_score")
  --actor     - Step or unit id (exact match: "extract.p3-4")
  --op        - read or write
  --conflicts - Only writes that replaced or collided with another writer

Examples:
  # Everything the extract step wrote
  folio events 3f2c9a1e-... --actor extract --op write

  # Conflicts as JSONL for jq
  folio events 3f2c9a1e-... --conflicts -o jsonl | jq '.conflict'`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsRegion, "region", "", "Filter by region (glob pattern)")
	eventsCmd.Flags().StringVar(&eventsPath, "path", "", "Filter by board path pattern")
	eventsCmd.Flags().StringVar(&eventsActor, "actor", "", "Filter by actor (exact match)")
	eventsCmd.Flags().StringVar(&eventsOp, "op", "", "Filter by operation: read or write")
	eventsCmd.Flags().BoolVar(&eventsConflicts, "conflicts", false, "Only show conflicting writes")
	eventsCmd.Flags().StringVarP(&eventsOutput, "output", "o", "default", "Output format: default or jsonl")
	eventsCmd.Flags().StringVar(&eventsRedisURL, "redis-url", "", "Redis URL of the archive")
	eventsCmd.Flags().StringVar(&eventsInstance, "instance", "", "Archive instance name")

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	format, err := audit.ParseFormat(eventsOutput)
	if err != nil {
		return fail("invalid output format", err.Error(), "Valid formats: default, jsonl")
	}

	criteria := &audit.Criteria{
		RegionGlob:    eventsRegion,
		PathPattern:   eventsPath,
		Actor:         eventsActor,
		Op:            blackboard.Op(eventsOp),
		ConflictsOnly: eventsConflicts,
	}
	if err := criteria.Validate(); err != nil {
		return fail("invalid filter", err.Error())
	}

	ctx := cmd.Context()
	client, err := openArchive(ctx, eventsRedisURL, eventsInstance)
	if err != nil {
		return err
	}
	defer client.Close()

	runID, err := resolveRun(ctx, client, args[0])
	if err != nil {
		return err
	}

	if err := audit.ListEvents(ctx, client, runID, format, criteria, cmd.OutOrStdout()); err != nil {
		return fail(
			fmt.Sprintf("cannot list events for run '%s'", runID),
			err.Error(),
			"List archived runs:\n  folio runs",
		)
	}
	return nil
}
