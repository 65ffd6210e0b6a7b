// Package registry holds the pipelines folio can choose from and picks one for a
// document from a document-level classification of its first page.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dyluth/folio/internal/config"
)

// Info describes a registered pipeline to a document classifier.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       int    `json:"steps"`
	Path        string `json:"path,omitempty"`
}

// Registry maps pipeline names to loaded pipeline definitions.
type Registry struct {
	pipelines map[string]*config.PipelineConfig
	paths     map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		pipelines: make(map[string]*config.PipelineConfig),
		paths:     make(map[string]string),
	}
}

// LoadDir registers every *.yml and *.yaml pipeline in dir, in file name order.
// Files that are not valid pipelines are logged and skipped. Two files declaring
// the same pipeline name are an error.
func LoadDir(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yml" || ext == ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	r := New()
	for _, name := range names {
		path := filepath.Join(dir, name)
		cfg, err := config.Load(path)
		if err != nil {
			logger.Warn("pipeline_skipped", "path", path, "error", err)
			continue
		}
		if err := r.Register(cfg, path); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a pipeline. path is informational and may be empty.
func (r *Registry) Register(cfg *config.PipelineConfig, path string) error {
	if existing, ok := r.paths[cfg.Name]; ok {
		return fmt.Errorf("duplicate pipeline '%s' in %s (already loaded from %s)", cfg.Name, path, existing)
	}
	r.pipelines[cfg.Name] = cfg
	r.paths[cfg.Name] = path
	return nil
}

// Get returns the named pipeline.
func (r *Registry) Get(name string) (*config.PipelineConfig, error) {
	cfg, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline '%s' not found in registry", name)
	}
	return cfg, nil
}

// Has reports whether a pipeline is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.pipelines[name]
	return ok
}

// Len returns the number of registered pipelines.
func (r *Registry) Len() int {
	return len(r.pipelines)
}

// List returns the registered pipelines sorted by name.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.pipelines))
	for name, cfg := range r.pipelines {
		infos = append(infos, Info{
			Name:        name,
			Description: cfg.Description,
			Steps:       len(cfg.Steps),
			Path:        r.paths[name],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
