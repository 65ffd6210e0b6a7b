package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/scaffold"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Create a starter pipeline and fixture file",
	Long: `Create a starter pipeline in DIR (default: the current directory).

Creates:
  • pipeline.yml - A survey, page_route extract and clean pipeline
  • fixtures.yml - Canned agent answers so 'folio run' works straight away

Use --force to reinitialize (WARNING: overwrites both files).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing pipeline.yml and fixtures.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	// Check for existing files (unless --force)
	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return err
		}
	}

	if err := scaffold.Initialize(dir, forceInit, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess(cmd.OutOrStdout(), dir)
	return nil
}
