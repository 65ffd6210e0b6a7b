package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/printer"
)

var (
	version string
	commit  string
	date    string

	logLevel  string
	logFormat string

	// logger is configured from the persistent flags before any command runs
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "folio - document to markdown pipeline engine",
	Long: `folio runs document conversion pipelines: a graph of steps that send page
images to extraction agents and deterministic transforms, coordinating through a
shared Board of typed regions, and merges their outputs into one markdown document.

Pipelines are declared in YAML. Runs can be archived to Redis and inspected
afterwards with 'folio runs' and 'folio events'.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !printed(err) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
}

// newLogger builds the structured logger for engine events.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use json or text)", format)
	}
}

// printedError marks errors already rendered by the printer package.
type printedError struct{ error }

// fail renders an error with the printer and returns it marked as printed.
func fail(title, explanation string, suggestions ...string) error {
	return printedError{printer.Error(title, explanation, suggestions)}
}

// failWithContext is fail with key/value context lines.
func failWithContext(title, explanation string, context map[string]string, suggestions ...string) error {
	return printedError{printer.ErrorWithContext(title, explanation, context, suggestions)}
}

func printed(err error) bool {
	_, ok := err.(printedError)
	return ok
}
