package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
)

// runPageRoute routes the step's pages to agents and runs one invocation per
// unit. Units are independent: a failed unit does not cancel the others. The
// step fails only when every unit failed; otherwise it completes and the pages
// of failed units are reported on the run result.
func (r *run) runPageRoute(ctx context.Context, n *graph.Node, body graph.PageRoute) *StepResult {
	res := &StepResult{ID: n.Step.ID, Kind: graph.KindPageRoute}
	res.SnapshotHash = r.board.SnapshotHash(n.Step.Reads...)

	pages := r.selectPages(n.Step.Pages)
	if len(pages) == 0 {
		res.Status = StatusCompleted
		r.writeOutput(r.board, n.Step.ID, "", nil, res)
		return res
	}

	assignment, err := r.router.Route(ctx, body.Router, pages, r.board, n.Step.ID)
	if err != nil {
		return r.fail(res, fmt.Errorf("route pages: %w", err))
	}
	res.Assignment = &assignment
	r.event("page_route_assigned", "step_id", n.Step.ID, "pages", len(pages), "units", len(assignment.Units))

	byNumber := make(map[int]router.Page, len(pages))
	for _, p := range pages {
		byNumber[p.Number] = p
	}

	units := make([]*UnitResult, len(assignment.Units))
	outputs := make([]Output, len(assignment.Units))
	var g errgroup.Group
	g.SetLimit(r.e.limits.MaxPageUnits)
	for i, u := range assignment.Units {
		unitPages := make([]router.Page, len(u.Pages))
		for j, p := range u.Pages {
			unitPages[j] = byNumber[p]
		}
		g.Go(func() error {
			units[i], outputs[i] = r.runUnit(ctx, n, u, unitPages, res)
			return nil
		})
	}
	_ = g.Wait()
	res.Units = units

	var parts []string
	failed := 0
	var firstErr error
	for i, u := range units {
		if u.Status != StatusCompleted {
			failed++
			if firstErr == nil {
				firstErr = u.Err
			}
			continue
		}
		if u.Content != "" {
			parts = append(parts, u.Content)
		}
		if res.PageContents == nil {
			res.PageContents = make(map[int]string)
		}
		switch {
		case outputs[i].PageContents != nil:
			for p, c := range outputs[i].PageContents {
				res.PageContents[p] = c
			}
		case len(u.Pages) == 1:
			res.PageContents[u.Pages[0]] = u.Content
		}
	}

	if failed == len(units) {
		return r.fail(res, fmt.Errorf("all %d page units failed: %w", failed, firstErr))
	}
	if failed > 0 {
		r.logger.Warn("page_units_failed", "step_id", n.Step.ID, "failed", failed, "units", len(units))
	}

	res.Content = strings.Join(parts, "\n\n")
	r.writeOutput(r.board, n.Step.ID, res.Content, nil, res)
	res.Status = StatusCompleted
	return res
}

// runUnit invokes the unit's agent on its pages. The unit writes under its own
// id so units of one step own disjoint leaves. Rejected writes are added to the
// step result.
func (r *run) runUnit(ctx context.Context, n *graph.Node, u router.Unit, pages []router.Page, step *StepResult) (*UnitResult, Output) {
	start := time.Now()
	id := u.ID(n.Step.ID)
	unit := &UnitResult{ID: id, Agent: u.Agent, Pages: u.Pages}

	if r.e.agents == nil {
		unit.Status = StatusFailed
		unit.Err = errors.New("no agent invoker configured")
		return unit, Output{}
	}

	req := Request{
		RunID:  r.id,
		StepID: n.Step.ID,
		Unit:   id,
		Agent:  u.Agent,
		Pages:  u.Pages,
		Input:  r.input(n, pages),
	}
	unit.SnapshotHash = r.board.SnapshotHash(n.Step.Reads...)
	req.View = r.board.Subscribe(id, n.Step.Reads...)

	out, err := r.e.agents.Invoke(ctx, req)
	unit.Duration = time.Since(start)
	if err != nil {
		unit.Status = StatusFailed
		unit.Err = err
		r.logger.Warn("page_unit_failed", "step_id", n.Step.ID, "unit", id, "agent", u.Agent, "error", err)
		return unit, Output{}
	}

	// units finish concurrently; step totals are guarded by r.mu
	partial := &StepResult{ID: n.Step.ID}
	r.apply(r.board, n, id, out.Writes, partial)
	r.mu.Lock()
	step.Writes += partial.Writes
	step.Rejected = append(step.Rejected, partial.Rejected...)
	r.mu.Unlock()

	unit.Status = StatusCompleted
	unit.Content = out.Content
	return unit, out
}
