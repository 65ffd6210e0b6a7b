package commands

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/audit"
	"github.com/dyluth/folio/internal/watch"
	"github.com/dyluth/folio/pkg/blackboard"
)

var (
	watchRun       string
	watchRegion    string
	watchPath      string
	watchActor     string
	watchOp        string
	watchConflicts bool
	watchCount     int
	watchOutput    string
	watchRedisURL  string
	watchInstance  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream board events as runs are archived",
	Long: `Stream board events as 'folio run --archive' saves them, one line per
event, until interrupted.

Output Formats:
  default - One human-readable line per event
  jsonl   - Line-delimited JSON with the run id and the event

The --region, --path, --actor, --op and --conflicts filters work as they do for
'folio events'.

Examples:
  # Follow every write in another terminal
  folio watch --op write

  # Stop after the first 20 page observations
  folio watch --region page_observations --count 20 -o jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRun, "run", "", "Only events of this run (full id)")
	watchCmd.Flags().StringVar(&watchRegion, "region", "", "Filter by region (glob pattern)")
	watchCmd.Flags().StringVar(&watchPath, "path", "", "Filter by board path pattern")
	watchCmd.Flags().StringVar(&watchActor, "actor", "", "Filter by actor (exact match)")
	watchCmd.Flags().StringVar(&watchOp, "op", "", "Filter by operation: read or write")
	watchCmd.Flags().BoolVar(&watchConflicts, "conflicts", false, "Only show conflicting writes")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many events (0 = until interrupted)")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format: default or jsonl")
	watchCmd.Flags().StringVar(&watchRedisURL, "redis-url", "", "Redis URL of the archive")
	watchCmd.Flags().StringVar(&watchInstance, "instance", "", "Archive instance name")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := audit.ParseFormat(watchOutput)
	if err != nil {
		return fail("invalid output format", err.Error(), "Valid formats: default, jsonl")
	}
	if watchCount < 0 {
		return fail("invalid --count", "--count cannot be negative")
	}

	criteria := &audit.Criteria{
		RegionGlob:    watchRegion,
		PathPattern:   watchPath,
		Actor:         watchActor,
		Op:            blackboard.Op(watchOp),
		ConflictsOnly: watchConflicts,
	}
	if err := criteria.Validate(); err != nil {
		return fail("invalid filter", err.Error())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client, err := openArchive(ctx, watchRedisURL, watchInstance)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.SubscribeEvents(ctx)
	if err != nil {
		return fail("cannot subscribe to board events", err.Error())
	}
	defer sub.Close()

	logger.Info("watch_started", "instance", client.InstanceName(), "run", watchRun)

	_, err = watch.Stream(ctx, sub, cmd.OutOrStdout(), watch.Options{
		Format: format,
		Filter: criteria,
		RunID:  watchRun,
		Limit:  watchCount,
		Logger: logger,
	})
	return err
}
