package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/archive"
	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/internal/fixture"
	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/internal/registry"
	"github.com/dyluth/folio/internal/resolver"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/internal/transforms"
)

var (
	runPages    int
	runImages   string
	runFixtures string
	runOutput   string
	runArchive  bool
	runRedisURL string
	runInstance string
	runTimeout  time.Duration
	runQuiet    bool

	runAuto          bool
	runPipelines     string
	runMinConfidence float64
)

// imageExtensions are the page image files picked up by --images, in page order by name.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".webp": true,
}

var runCmd = &cobra.Command{
	Use:   "run [PIPELINE]",
	Short: "Run a pipeline against canned agents",
	Long: `Execute a pipeline end-to-end with agents and the page classifier answered
from a fixture file, and print the final markdown.

Pages come from either --pages (that many blank pages) or --images (every
image file in a directory, ordered by file name). Deterministic steps use the
built-in transforms.

With --archive the finished run, its board snapshot and its event log are saved
to Redis (FOLIO_REDIS_URL or --redis-url) for 'folio runs' and 'folio events'.

With --auto no pipeline file is given. Every pipeline in the --pipelines
directory is offered to the document classifier, which looks at the first page
and picks one. A missing, unknown or low-confidence answer selects the pipeline
named 'generic'. The detected content types are written to
document_metadata.content_types before the run starts.

Examples:
  # Dry-run a pipeline over 4 pages
  folio run pipeline.yml --pages 4 --fixtures fixtures.yml

  # Use scanned pages and archive the run
  FOLIO_REDIS_URL=redis://localhost:6379 folio run pipeline.yml --images ./scans --fixtures fixtures.yml --archive

  # Let the classifier choose from a directory of pipelines
  folio run --auto --pipelines ./pipelines --images ./scans --fixtures fixtures.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runPages, "pages", 0, "Number of blank pages to convert")
	runCmd.Flags().StringVar(&runImages, "images", "", "Directory of page images, ordered by file name")
	runCmd.Flags().StringVarP(&runFixtures, "fixtures", "f", "", "Fixture file answering agent and classifier calls")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write the markdown to this file instead of stdout")
	runCmd.Flags().BoolVar(&runArchive, "archive", false, "Archive the run to Redis")
	runCmd.Flags().StringVar(&runRedisURL, "redis-url", "", "Redis URL for --archive (default $"+config.EnvRedisURL+")")
	runCmd.Flags().StringVar(&runInstance, "instance", "", "Archive instance name (default $"+config.EnvInstanceName+" or 'default')")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print the step summary")
	runCmd.Flags().BoolVar(&runAuto, "auto", false, "Choose the pipeline by classifying the first page")
	runCmd.Flags().StringVar(&runPipelines, "pipelines", "", "Directory of pipeline files offered to --auto")
	runCmd.Flags().Float64Var(&runMinConfidence, "min-confidence", registry.DefaultMinConfidence,
		"Classifier confidence below which --auto falls back to the '"+registry.FallbackPipeline+"' pipeline")
	runCmd.MarkFlagRequired("fixtures")
	runCmd.MarkFlagsMutuallyExclusive("pages", "images")
	runCmd.MarkFlagsRequiredTogether("auto", "pipelines")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	var cfg *config.PipelineConfig
	switch {
	case runAuto && len(args) > 0:
		return fail("conflicting arguments", "--auto chooses the pipeline itself; do not pass a pipeline file.",
			"Drop the pipeline argument", "Drop --auto to run "+args[0])
	case !runAuto && len(args) == 0:
		return fail("no pipeline given", "folio run needs a pipeline file or --auto.",
			"folio run pipeline.yml --pages 2 --fixtures fixtures.yml",
			"folio run --auto --pipelines ./pipelines --pages 2 --fixtures fixtures.yml")
	case !runAuto:
		var err error
		if cfg, err = loadPipeline(args[0]); err != nil {
			return err
		}
	}

	set, err := fixture.Load(runFixtures)
	if err != nil {
		return failWithContext("invalid fixtures", err.Error(), map[string]string{"Fixtures": runFixtures})
	}

	pages, err := loadPages(runPages, runImages)
	if err != nil {
		return fail("no pages to convert", err.Error(),
			"Pass --pages N for blank pages", "Pass --images DIR to read page images")
	}

	var sel *registry.Selection
	if runAuto {
		if sel, err = selectPipeline(ctx, set, pages[0]); err != nil {
			return err
		}
		cfg = sel.Config
		if !runQuiet {
			writeSelection(cmd.ErrOrStderr(), sel)
		}
	}

	g, err := cfg.Graph()
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}
	board, err := cfg.NewBoard()
	if err != nil {
		return fmt.Errorf("failed to create board: %w", err)
	}
	if sel != nil {
		if err := sel.RecordContentTypes(board); err != nil {
			return fmt.Errorf("failed to record content types: %w", err)
		}
	}

	limits := executor.DefaultLimits()
	if cfg.Engine != nil {
		limits = cfg.Engine.Limits()
	}
	opts := []executor.Option{
		executor.WithTransforms(transforms.NewRegistry()),
		executor.WithClassifier(set),
		executor.WithLimits(limits),
		executor.WithLogger(logger),
	}

	if runArchive {
		client, err := openArchive(ctx, runRedisURL, runInstance)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, executor.WithEventSink(client.Sink(cfg.Name)))
	}

	res, runErr := executor.New(set, opts...).Run(ctx, g, pages, board)

	if err := writeMarkdown(cmd.OutOrStdout(), runOutput, res.Content); err != nil {
		return err
	}
	if !runQuiet {
		writeSummary(cmd.ErrOrStderr(), res)
	}

	if runErr != nil {
		return fail("pipeline run failed", runErr.Error(),
			fmt.Sprintf("Inspect the board events with:\n  folio events %s", res.RunID))
	}
	if runArchive {
		printer.Success("run %s archived\n", res.RunID)
	}
	return nil
}

// selectPipeline loads the --pipelines directory and lets the document
// classifier pick one for the first page.
func selectPipeline(ctx context.Context, cls registry.DocumentClassifier, first router.Page) (*registry.Selection, error) {
	reg, err := registry.LoadDir(runPipelines, logger)
	if err != nil {
		return nil, failWithContext("invalid pipeline directory", err.Error(),
			map[string]string{"Pipelines": runPipelines})
	}
	if reg.Len() == 0 {
		return nil, fail("no pipelines found", fmt.Sprintf("No valid pipeline files in %s", runPipelines),
			"Check each file with:\n  folio validate <file>")
	}

	sel, err := reg.Select(ctx, cls, first, runMinConfidence, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("document classification cancelled: %w", err)
		}
		return nil, failWithContext("no fallback pipeline", err.Error(),
			map[string]string{"Pipelines": runPipelines},
			fmt.Sprintf("Add a pipeline named '%s' to the directory", registry.FallbackPipeline))
	}
	return sel, nil
}

func writeSelection(w io.Writer, sel *registry.Selection) {
	if sel.Fallback {
		fmt.Fprintf(w, "Pipeline '%s' (fallback: %s)\n", sel.Config.Name, sel.Reason)
		return
	}
	fmt.Fprintf(w, "Pipeline '%s' (classified, confidence %.2f)\n", sel.Config.Name, sel.Classification.Confidence)
}

// loadPages builds the page list from --pages or --images.
func loadPages(count int, dir string) ([]router.Page, error) {
	if dir == "" {
		if count < 1 {
			return nil, fmt.Errorf("--pages must be at least 1")
		}
		pages := make([]router.Page, count)
		for i := range pages {
			pages[i] = router.Page{Number: i + 1}
		}
		return pages, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no page images in %s", dir)
	}
	sort.Strings(names)

	pages := make([]router.Page, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read page image: %w", err)
		}
		pages[i] = router.Page{Number: i + 1, Image: data}
	}
	return pages, nil
}

func writeMarkdown(stdout io.Writer, path, content string) error {
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if path == "" {
		_, err := io.WriteString(stdout, content)
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// writeSummary prints one line per step, with sub-steps and page units indented.
func writeSummary(w io.Writer, res *executor.Result) {
	fmt.Fprintf(w, "\nRun %s\n", res.RunID)
	for _, id := range res.Order {
		s, ok := res.Steps[id]
		if !ok {
			continue
		}
		writeStepLine(w, "  ", s)
		for _, sub := range s.SubResults {
			writeStepLine(w, "    ", sub)
		}
		for _, u := range s.Units {
			line := fmt.Sprintf("    %-24s %s  %s pages %v", u.ID, printer.Status(string(u.Status)), u.Agent, u.Pages)
			if u.Err != nil {
				line += "  " + u.Err.Error()
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(res.PagesFailed) > 0 {
		fmt.Fprintf(w, "  pages failed: %v\n", res.PagesFailed)
	}
}

func writeStepLine(w io.Writer, indent string, s *executor.StepResult) {
	line := fmt.Sprintf("%s%-24s %s", indent, s.ID, printer.Status(string(s.Status)))
	if s.Writes > 0 {
		line += fmt.Sprintf("  %d writes", s.Writes)
	}
	if n := len(s.Rejected); n > 0 {
		line += fmt.Sprintf("  %d rejected", n)
	}
	if n := len(s.Conflicts); n > 0 {
		line += fmt.Sprintf("  %d conflicts", n)
	}
	if s.Err != nil {
		line += "  " + s.Err.Error()
	}
	fmt.Fprintln(w, line)
}

// openArchive connects to the run archive named by flags or the environment.
func openArchive(ctx context.Context, redisURL, instance string) (*archive.Client, error) {
	cfg := config.ArchiveFromEnv()
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if instance != "" {
		cfg.InstanceName = instance
	}
	if !cfg.Enabled() {
		return nil, fail(
			"no run archive configured",
			"The run archive lives in Redis and no Redis URL was given.",
			fmt.Sprintf("Set %s=redis://host:6379", config.EnvRedisURL),
			"Pass --redis-url redis://host:6379",
		)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fail("invalid instance name", err.Error())
	}

	client, err := archive.NewClientFromURL(cfg.RedisURL, cfg.InstanceName)
	if err != nil {
		return nil, fail("invalid Redis URL", err.Error())
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, failWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
			map[string]string{"Instance": cfg.InstanceName, "Error": err.Error()},
			"Check that Redis is running and reachable",
		)
	}
	return client, nil
}

// resolveRun expands a short run ID against the archive.
func resolveRun(ctx context.Context, client *archive.Client, shortID string) (string, error) {
	id, err := resolver.ResolveRunID(ctx, client, shortID)
	if err == nil {
		return id, nil
	}

	var ambiguous *resolver.AmbiguousError
	if errors.As(err, &ambiguous) {
		return "", fail(fmt.Sprintf("ambiguous run ID '%s'", shortID), err.Error(), ambiguous.Suggestion())
	}
	var notFound *resolver.NotFoundError
	if errors.As(err, &notFound) {
		return "", failWithContext(
			fmt.Sprintf("run '%s' not found", shortID),
			"No archived run matches this ID.",
			map[string]string{"Instance": client.InstanceName()},
			"List archived runs:\n  folio runs",
		)
	}
	return "", fail("invalid run ID", err.Error())
}
