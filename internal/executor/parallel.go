package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/pkg/blackboard"
)

// runParallel runs every sub-step of a group on its own branch of the Board.
// When all sub-steps succeed the branches are merged in declaration order.
// The first terminal failure cancels the remaining sub-steps and every branch
// is discarded, so the Board sees none of the group's writes.
func (r *run) runParallel(ctx context.Context, n *graph.Node) *StepResult {
	group := &StepResult{ID: n.Step.ID, Kind: graph.KindParallel}
	group.SnapshotHash = r.board.SnapshotHash(n.Step.Reads...)

	branches := make([]*blackboard.Branch, len(n.Subs))
	for i, sub := range n.Subs {
		branches[i] = r.board.Branch(sub.Step.ID)
	}
	group.SubResults = make([]*StepResult, len(n.Subs))

	r.event("parallel_group_started", "step_id", n.Step.ID, "sub_steps", len(n.Subs), "max_substeps", r.e.limits.MaxSubsteps)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.limits.MaxSubsteps)
	for i, sub := range n.Subs {
		g.Go(func() error {
			res := r.runSub(gctx, branches[i], sub)
			group.SubResults[i] = res
			if res.Status == StatusFailed {
				return res.Err
			}
			return nil
		})
	}
	err := g.Wait()

	if err != nil {
		for _, br := range branches {
			br.Discard()
		}
		var root *StepFailedError
		rootID := ""
		if errors.As(err, &root) {
			rootID = root.StepID
		}
		for _, sub := range group.SubResults {
			if sub.ID == rootID {
				continue
			}
			if sub.Status == StatusFailed && !errors.Is(sub.Err, context.Canceled) {
				continue
			}
			sub.Status = StatusCancelled
			sub.Err = ErrDiscarded
		}
		r.logger.Warn("parallel_group_discarded", "step_id", n.Step.ID, "failed_sub_step", rootID, "error", err)
		group.Status = StatusFailed
		group.Err = &StepFailedError{StepID: n.Step.ID, Err: err}
		return group
	}

	conflicts, err := r.board.MergeParallel(branches...)
	if err != nil {
		group.Status = StatusFailed
		group.Err = &StepFailedError{StepID: n.Step.ID, Err: fmt.Errorf("merge: %w", err)}
		return group
	}
	group.Conflicts = conflicts
	for _, c := range conflicts {
		r.logger.Warn("conflict_recorded",
			"step_id", n.Step.ID,
			"region", c.Region,
			"key_path", c.KeyPath,
			"policy", c.Policy,
			"winner", c.Winner,
			"loser", c.Loser)
	}

	var parts []string
	for _, sub := range group.SubResults {
		group.Writes += sub.Writes
		group.Rejected = append(group.Rejected, sub.Rejected...)
		if sub.Status == StatusCompleted && sub.Content != "" {
			parts = append(parts, sub.Content)
		}
	}
	group.Content = strings.Join(parts, "\n\n")
	r.writeOutput(r.board, n.Step.ID, group.Content, nil, group)

	r.event("parallel_merged", "step_id", n.Step.ID, "branches", len(branches), "conflicts", len(conflicts))
	group.Status = StatusCompleted
	return group
}

// runSub runs one sub-step against its branch. Sub-step conditions see the
// branch, which is the Board as the group found it.
func (r *run) runSub(ctx context.Context, br *blackboard.Branch, n *graph.Node) *StepResult {
	start := time.Now()
	var res *StepResult
	if skip, err := r.skipped(br, n); err != nil || skip {
		res = r.skip(n, err)
	} else if err := ctx.Err(); err != nil {
		res = r.fail(&StepResult{ID: n.Step.ID, Kind: n.Step.Kind()}, err)
	} else {
		switch body := n.Step.Body.(type) {
		case graph.Single:
			res = r.runInvocation(ctx, br, n, r.e.agents, body.Agent, nil)
		case graph.Deterministic:
			res = r.runInvocation(ctx, br, n, r.e.transforms, body.Transform, body.Params)
		default:
			res = r.fail(&StepResult{ID: n.Step.ID, Kind: n.Step.Kind()}, fmt.Errorf("%s steps cannot run inside a parallel group", body.Kind()))
		}
	}
	res.Duration = time.Since(start)
	return res
}
