package executor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

// store is the Board surface a step runs against: the Board itself for
// top-level steps and a Branch for sub-steps of a parallel group.
type store interface {
	Read(region, keyPath, readerID string) (any, error)
	Write(region, keyPath string, value any, writerID string) error
	Subscribe(readerID string, patterns ...string) blackboard.View
	SnapshotHash(patterns ...string) string
}

// runStep evaluates the step's condition and dispatches on its kind.
func (r *run) runStep(ctx context.Context, n *graph.Node) *StepResult {
	start := time.Now()
	kind := n.Step.Kind()
	r.event("step_started", "step_id", n.Step.ID, "kind", kind)

	var res *StepResult
	if skip, err := r.skipped(r.board, n); err != nil || skip {
		res = r.skip(n, err)
	} else {
		switch body := n.Step.Body.(type) {
		case graph.Single:
			res = r.runInvocation(ctx, r.board, n, r.e.agents, body.Agent, nil)
		case graph.Deterministic:
			res = r.runInvocation(ctx, r.board, n, r.e.transforms, body.Transform, body.Params)
		case graph.Parallel:
			res = r.runParallel(ctx, n)
		case graph.PageRoute:
			res = r.runPageRoute(ctx, n, body)
		default:
			res = &StepResult{ID: n.Step.ID, Kind: kind, Status: StatusFailed,
				Err: &StepFailedError{StepID: n.Step.ID, Err: fmt.Errorf("unsupported step body %T", body)}}
		}
	}
	res.Duration = time.Since(start)
	r.logOutcome(res)
	return res
}

// skipped evaluates the step condition against st. An evaluation error skips
// the step.
func (r *run) skipped(st store, n *graph.Node) (bool, error) {
	if n.Cond == nil {
		return false, nil
	}
	ok, err := n.Cond.Eval(st, n.Step.ID)
	if err != nil {
		return true, err
	}
	return !ok, nil
}

func (r *run) skip(n *graph.Node, condErr error) *StepResult {
	res := &StepResult{ID: n.Step.ID, Kind: n.Step.Kind(), Status: StatusSkipped}
	if condErr != nil {
		r.logger.Warn("condition_failed", "step_id", n.Step.ID, "condition", n.Cond.String(), "error", condErr)
	}
	return res
}

func (r *run) logOutcome(res *StepResult) {
	switch res.Status {
	case StatusCompleted:
		r.event("step_completed",
			"step_id", res.ID,
			"kind", res.Kind,
			"writes", res.Writes,
			"rejected", len(res.Rejected),
			"duration_ms", res.Duration.Milliseconds())
	case StatusSkipped:
		r.event("step_skipped", "step_id", res.ID, "kind", res.Kind)
	default:
		r.logger.Error("step_failed", "step_id", res.ID, "kind", res.Kind, "status", res.Status, "error", res.Err)
	}
}

// runInvocation runs a single or deterministic step: it selects the input,
// takes the view and snapshot hash of the step's reads, invokes inv and applies
// the output to st.
func (r *run) runInvocation(ctx context.Context, st store, n *graph.Node, inv Invoker, agent string, params map[string]any) *StepResult {
	res := &StepResult{ID: n.Step.ID, Kind: n.Step.Kind()}
	if inv == nil {
		return r.fail(res, fmt.Errorf("no invoker configured for %s steps", res.Kind))
	}

	pages := r.selectPages(n.Step.Pages)
	req := Request{
		RunID:  r.id,
		StepID: n.Step.ID,
		Agent:  agent,
		Params: params,
		Pages:  pageNumbers(pages),
		Input:  r.input(n, pages),
	}
	res.SnapshotHash = st.SnapshotHash(n.Step.Reads...)
	req.View = st.Subscribe(n.Step.ID, n.Step.Reads...)

	out, err := inv.Invoke(ctx, req)
	if err != nil {
		return r.fail(res, err)
	}

	r.apply(st, n, n.Step.ID, out.Writes, res)
	r.writeOutput(st, n.Step.ID, out.Content, out.Confidence, res)

	res.Status = StatusCompleted
	res.Content = out.Content
	res.PageContents = out.PageContents
	res.Confidence = out.Confidence
	return res
}

func (r *run) fail(res *StepResult, err error) *StepResult {
	res.Status = StatusFailed
	res.Err = &StepFailedError{StepID: res.ID, Err: err}
	return res
}

// apply writes the proposed writes the step is authorized for. Writes outside
// the step's declared write patterns and writes the Board refuses are recorded
// on res and logged; they do not fail the step.
func (r *run) apply(st store, n *graph.Node, writer string, writes []Write, res *StepResult) {
	for _, w := range writes {
		if !blackboard.MatchAny(n.Step.Writes, w.Path) {
			r.reject(res, w.Path, fmt.Errorf("step %q is not authorized to write %q", n.Step.ID, w.Path))
			continue
		}
		region, keyPath := blackboard.SplitPath(w.Path)
		if err := st.Write(region, keyPath, w.Value, writer); err != nil {
			r.reject(res, w.Path, err)
			continue
		}
		res.Writes++
	}
}

func (r *run) reject(res *StepResult, path string, err error) {
	res.Rejected = append(res.Rejected, err)
	r.logger.Warn("write_rejected", "step_id", res.ID, "path", path, "error", err)
}

// writeOutput records the step's content and invoker confidence on the Board.
func (r *run) writeOutput(st store, stepID, content string, confidence *float64, res *StepResult) {
	if err := st.Write(blackboard.RegionStepOutputs, stepID, content, stepID); err != nil {
		r.reject(res, blackboard.JoinPath(blackboard.RegionStepOutputs, stepID), err)
	}
	if confidence == nil {
		return
	}
	if err := st.Write(blackboard.RegionConfidenceSignals, stepID+".invoker", *confidence, stepID); err != nil {
		r.reject(res, blackboard.JoinPath(blackboard.RegionConfidenceSignals, stepID, "invoker"), err)
	}
}

// selectPages returns the run's pages matched by sel. A nil selector selects
// every page.
func (r *run) selectPages(sel router.Selector) []router.Page {
	if sel == nil {
		return r.pages
	}
	var out []router.Page
	for _, p := range r.pages {
		if sel.Contains(p.Number, r.total) {
			out = append(out, p)
		}
	}
	return out
}

func pageNumbers(pages []router.Page) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.Number
	}
	return out
}

// input builds the step input for its input mode. Dependency output is read
// through skipped dependencies: a skipped step passes on what it would have
// received.
func (r *run) input(n *graph.Node, pages []router.Page) Input {
	in := Input{Mode: n.Step.Input}
	if in.Mode.UsesImages() {
		in.Images = pages
	}
	if !in.Mode.ConsumesPrevious() {
		return in
	}

	if in.Mode == graph.InputPreviousOutputs {
		in.PreviousOutputs = make(map[string]string)
		for _, dep := range n.Deps {
			if res, ok := r.output(dep); ok {
				in.PreviousOutputs[res.ID] = res.Content
			}
		}
		return in
	}

	for _, dep := range slices.Backward(n.Deps) {
		res, ok := r.output(dep)
		if !ok {
			continue
		}
		in.Previous = res.Content
		if res.PageContents != nil {
			in.PreviousPages = make(map[int]string)
			for _, p := range pages {
				if c, ok := res.PageContents[p.Number]; ok {
					in.PreviousPages[p.Number] = c
				}
			}
		}
		break
	}
	return in
}

// output returns the completed result that stands for id's output, following
// skipped steps back to their own last dependency.
func (r *run) output(id string) (*StepResult, bool) {
	for {
		res, ok := r.result(id)
		if !ok {
			return nil, false
		}
		if res.Status == StatusCompleted {
			return res, true
		}
		if res.Status != StatusSkipped {
			return nil, false
		}
		n := r.node(id)
		if n == nil || len(n.Deps) == 0 {
			return nil, false
		}
		id = n.Deps[len(n.Deps)-1]
	}
}
