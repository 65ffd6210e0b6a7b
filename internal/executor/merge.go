package executor

import (
	"strings"

	"github.com/dyluth/folio/internal/graph"
)

// finalContent joins, in topological order, the content of completed steps
// whose output no completed dependent consumed as previous output. A pipeline
// that refines one draft step by step therefore yields the last draft, and
// independent branches are concatenated.
func (r *run) finalContent() string {
	consumed := make(map[string]bool)
	for _, id := range r.g.Order() {
		res, ok := r.result(id)
		if !ok || res.Status != StatusCompleted {
			continue
		}
		n := r.node(id)
		if !n.Step.Input.ConsumesPrevious() {
			continue
		}
		if n.Step.Input == graph.InputPreviousOutputs {
			for _, dep := range n.Deps {
				if src, ok := r.output(dep); ok {
					consumed[src.ID] = true
				}
			}
			continue
		}
		for i := len(n.Deps) - 1; i >= 0; i-- {
			if src, ok := r.output(n.Deps[i]); ok {
				consumed[src.ID] = true
				break
			}
		}
	}

	var parts []string
	for _, id := range r.g.Order() {
		res, ok := r.result(id)
		if !ok || res.Status != StatusCompleted || consumed[id] || res.Content == "" {
			continue
		}
		parts = append(parts, res.Content)
	}
	return strings.Join(parts, "\n\n")
}
