package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate PIPELINE",
	Short: "Check a pipeline definition",
	Long: `Load a pipeline definition, validate every step and build its graph.

Reports the first problem found: unknown fields, bad step types, unknown or
duplicate step ids, malformed conditions, board patterns or page selectors,
and dependency cycles.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadPipeline(args[0])
	if err != nil {
		return err
	}

	g, err := cfg.Graph()
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ pipeline '%s' is valid (%d steps)\n", cfg.Name, g.Len())
	return nil
}

// loadPipeline loads a pipeline file and renders load errors for the terminal.
func loadPipeline(path string) (*config.PipelineConfig, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return nil, fail(
			"pipeline file not found",
			fmt.Sprintf("No file at %s", path),
			"Check the path and try again",
		)
	}

	var cycle *graph.CycleError
	if errors.As(err, &cycle) {
		return nil, failWithContext(
			"pipeline has a dependency cycle",
			err.Error(),
			map[string]string{"Pipeline": path},
			"Remove one of the depends_on edges in the cycle",
		)
	}

	return nil, failWithContext(
		"invalid pipeline",
		err.Error(),
		map[string]string{"Pipeline": path},
	)
}
