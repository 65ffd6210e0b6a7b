// Package scaffold creates a starter pipeline and fixture file for folio init.
package scaffold

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/fixture"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	PipelineFile = "pipeline.yml"
	FixturesFile = "fixtures.yml"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes the starter pipeline and fixtures into dir, creating dir if
// needed. If force is true, existing files are replaced and a warning is written to w.
func Initialize(dir string, force bool, w io.Writer) error {
	if force {
		if err := handleForce(dir, w); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles(dir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	return validateCreatedFiles(dir)
}

// handleForce removes existing files if --force was specified
func handleForce(dir string, w io.Writer) error {
	for _, name := range []string{PipelineFile, FixturesFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fmt.Fprintf(w, "⚠️  Removing existing %s...\n", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func getTemplateFiles(dir string) ([]FileInfo, error) {
	templates := map[string]string{
		PipelineFile: "templates/pipeline.yml.tmpl",
		FixturesFile: "templates/fixtures.yml.tmpl",
	}

	files := []FileInfo{}
	for _, name := range []string{PipelineFile, FixturesFile} {
		content, err := templatesFS.ReadFile(templates[name])
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", name, err)
		}
		files = append(files, FileInfo{
			Path:        filepath.Join(dir, name),
			Content:     content,
			Permissions: 0644,
		})
	}
	return files, nil
}

// writeFiles writes all template files to disk
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// validateCreatedFiles loads the written files back through the same parsers
// folio run uses.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, PipelineFile)); err != nil {
		return fmt.Errorf("created %s is not valid: %w", PipelineFile, err)
	}
	if _, err := fixture.Load(filepath.Join(dir, FixturesFile)); err != nil {
		return fmt.Errorf("created %s is not valid: %w", FixturesFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess(w io.Writer, dir string) {
	fmt.Fprintln(w, "\n✅ Successfully initialized folio pipeline!")
	fmt.Fprintln(w, "\nCreated:")
	fmt.Fprintf(w, "  ✓ %s\n", filepath.Join(dir, PipelineFile))
	fmt.Fprintf(w, "  ✓ %s\n", filepath.Join(dir, FixturesFile))
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Check the pipeline:  folio validate %s\n", filepath.Join(dir, PipelineFile))
	fmt.Fprintf(w, "  2. Dry-run it:          folio run %s --pages 3 -f %s\n",
		filepath.Join(dir, PipelineFile), filepath.Join(dir, FixturesFile))
	fmt.Fprintln(w, "  3. Replace the fixture agents with real ones")
}
