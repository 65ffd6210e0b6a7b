package executor

import (
	"context"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

// Request is everything an agent or transform receives for one invocation.
type Request struct {
	RunID  string
	StepID string
	Unit   string // page-route unit id; empty for other steps
	Agent  string // agent id, or transform name for deterministic steps
	Params map[string]any
	Pages  []int
	Input  Input
	View   blackboard.View
}

// Input is the step input selected by the step's input mode.
type Input struct {
	Mode            graph.InputMode
	Images          []router.Page
	Previous        string            // markdown of the last completed dependency
	PreviousPages   map[int]string    // per-page markdown of the same dependency, when known
	PreviousOutputs map[string]string // markdown of every completed dependency by step id
}

// Write is a Board write proposed by an invocation. Path is a full board path.
type Write struct {
	Path  string `json:"path" yaml:"path"`
	Value any    `json:"value" yaml:"value"`
}

// Output is what an invocation returns.
type Output struct {
	Content      string
	PageContents map[int]string
	Writes       []Write
	Confidence   *float64
}

// Invoker runs an agent or a deterministic transform. Any returned error is
// terminal for the invocation; retries of transient failures belong inside the
// Invoker.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Output, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (Output, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Output, error) {
	return f(ctx, req)
}
