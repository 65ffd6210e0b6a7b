// Package transforms holds the deterministic steps a pipeline can run without
// an agent: markdown cleanups and writers that derive page observations from
// markdown. A Registry is the executor's invoker for deterministic steps.
package transforms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/folio/internal/executor"
)

// Func is a deterministic transform. It receives the same request an agent would.
type Func func(ctx context.Context, req executor.Request) (executor.Output, error)

// Registry maps transform names to functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry holding the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	for name, fn := range builtins() {
		r.funcs[name] = fn
	}
	return r
}

// Register adds a transform. Names must be unique.
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" || fn == nil {
		return fmt.Errorf("transform needs a name and a function")
	}
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("transform %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Names returns the registered transform names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Invoke runs the transform named by req.Agent.
func (r *Registry) Invoke(ctx context.Context, req executor.Request) (executor.Output, error) {
	r.mu.RLock()
	fn, ok := r.funcs[req.Agent]
	r.mu.RUnlock()
	if !ok {
		return executor.Output{}, fmt.Errorf("unknown transform %q", req.Agent)
	}
	return fn(ctx, req)
}

func builtins() map[string]Func {
	return map[string]Func{
		"strip_page_numbers":  Text(func(md string, _ map[string]any) (string, error) { return StripPageNumbers(md), nil }),
		"normalize_headings":  Text(func(md string, _ map[string]any) (string, error) { return NormalizeHeadings(md), nil }),
		"fix_table_alignment": Text(func(md string, _ map[string]any) (string, error) { return FixTableAlignment(md), nil }),
		"deduplicate_content": Text(func(md string, _ map[string]any) (string, error) { return DeduplicateContent(md), nil }),
		"strip_artifacts":     Text(func(md string, _ map[string]any) (string, error) { return StripArtifacts(md), nil }),
		"add_frontmatter":     Text(AddFrontmatter),
		"detect_continuations": PageWriter("continues_on_next_page", func(md string) any {
			return DetectContinuation(md)
		}),
		"count_tables": PageWriter("table_count", func(md string) any {
			return CountTables(md)
		}),
	}
}

// Text adapts a markdown-to-markdown function. The markdown is the previous
// step's output, or every dependency's output joined in step order when the
// step takes previous_outputs.
func Text(fn func(markdown string, params map[string]any) (string, error)) Func {
	return func(_ context.Context, req executor.Request) (executor.Output, error) {
		out, err := fn(previous(req.Input), req.Params)
		if err != nil {
			return executor.Output{}, err
		}
		return executor.Output{Content: out}, nil
	}
}

func previous(in executor.Input) string {
	if in.PreviousOutputs == nil {
		return in.Previous
	}
	ids := make([]string, 0, len(in.PreviousOutputs))
	for id := range in.PreviousOutputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var parts []string
	for _, id := range ids {
		if s := in.PreviousOutputs[id]; s != "" {
			parts = append(parts, s)
		}
	}
	return joinBlocks(parts)
}
