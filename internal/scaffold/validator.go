package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckExisting checks if dir already holds a pipeline.yml or fixtures.yml
// Returns an error if it does, nil otherwise
func CheckExisting(dir string) error {
	var existingFiles []string

	for _, name := range []string{PipelineFile, FixturesFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			existingFiles = append(existingFiles, name)
		}
	}

	if len(existingFiles) > 0 {
		errMsg := "pipeline already initialized\n\nFound existing"
		if len(existingFiles) == 1 {
			errMsg += fmt.Sprintf(": %s\n", existingFiles[0])
		} else {
			errMsg += " files:\n"
			for _, file := range existingFiles {
				errMsg += fmt.Sprintf("  - %s\n", file)
			}
		}
		errMsg += "\nUse 'folio init --force' to reinitialize (this will overwrite existing files)"

		return fmt.Errorf("%s", errMsg)
	}

	return nil
}
