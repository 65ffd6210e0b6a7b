// Package executor runs a pipeline graph against a Board: it schedules ready
// steps under concurrency limits, evaluates conditions, dispatches each step kind
// to its invoker and records per-step outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

// Limits bounds how much work runs at once. Zero fields take their defaults.
type Limits struct {
	MaxSteps           int // top-level steps in flight
	MaxSubsteps        int // sub-steps in flight per parallel group
	MaxPageUnits       int // page units in flight per page-route step
	MaxClassifyBatches int // classifier batches in flight per page-route step
}

// DefaultLimits runs top-level steps one at a time in topological order.
func DefaultLimits() Limits {
	return Limits{MaxSteps: 1, MaxSubsteps: 4, MaxPageUnits: 4, MaxClassifyBatches: 2}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxSteps <= 0 {
		l.MaxSteps = d.MaxSteps
	}
	if l.MaxSubsteps <= 0 {
		l.MaxSubsteps = d.MaxSubsteps
	}
	if l.MaxPageUnits <= 0 {
		l.MaxPageUnits = d.MaxPageUnits
	}
	if l.MaxClassifyBatches <= 0 {
		l.MaxClassifyBatches = d.MaxClassifyBatches
	}
	return l
}

// EventSink receives every finished run, including failed ones.
type EventSink interface {
	RecordRun(ctx context.Context, res *Result) error
}

// Executor runs pipelines. It holds no per-run state and may run several
// pipelines at once, each against its own Board.
type Executor struct {
	agents     Invoker
	transforms Invoker
	classifier router.Classifier
	sink       EventSink
	limits     Limits
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTransforms sets the invoker used by deterministic steps.
func WithTransforms(inv Invoker) Option {
	return func(e *Executor) { e.transforms = inv }
}

// WithClassifier sets the page classifier used by page-route steps.
func WithClassifier(c router.Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithLimits sets the concurrency limits.
func WithLimits(l Limits) Option {
	return func(e *Executor) { e.limits = l }
}

// WithEventSink registers a sink that receives each finished run.
func WithEventSink(s EventSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor that sends single and page-route invocations to agents.
func New(agents Invoker, opts ...Option) *Executor {
	e := &Executor{agents: agents, limits: DefaultLimits(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.limits = e.limits.withDefaults()
	return e
}

// Limits returns the effective concurrency limits.
func (e *Executor) Limits() Limits {
	return e.limits
}

// run is the state of one Run call.
type run struct {
	e      *Executor
	id     string
	g      *graph.Graph
	pages  []router.Page
	total  int
	board  *blackboard.Board
	router *router.Router
	logger *slog.Logger

	mu      sync.Mutex
	results map[string]*StepResult
}

// Run executes g over pages against board. A nil board gets a fresh Board with
// the built-in regions. The returned Result is never nil and always carries the
// Board. The error is non-nil when the run was cancelled or any step failed;
// per-step outcomes are in Result.Steps.
func (e *Executor) Run(ctx context.Context, g *graph.Graph, pages []router.Page, board *blackboard.Board) (*Result, error) {
	if board == nil {
		board = blackboard.New()
	}
	res := &Result{RunID: uuid.NewString(), Board: board, Steps: make(map[string]*StepResult), Started: time.Now().UTC()}
	if g == nil {
		return res, errors.New("executor: nil graph")
	}
	res.Order = g.Order()

	sorted, err := checkPages(pages)
	if err != nil {
		return res, err
	}

	r := &run{
		e:       e,
		id:      res.RunID,
		g:       g,
		pages:   sorted,
		board:   board,
		logger:  e.logger.With("component", "executor", "run_id", res.RunID),
		results: res.Steps,
	}
	for _, p := range sorted {
		r.total = max(r.total, p.Number)
	}
	r.router = router.New(e.classifier, router.WithMaxBatches(e.limits.MaxClassifyBatches), router.WithLogger(r.logger))

	r.event("run_started", "steps", g.Len(), "pages", len(sorted), "max_steps", e.limits.MaxSteps)
	r.schedule(ctx)

	res.Content = r.finalContent()
	res.PagesFailed = r.pagesFailed()
	res.Finished = time.Now().UTC()

	failed := res.Failed()
	r.event("run_completed",
		"duration_ms", res.Finished.Sub(res.Started).Milliseconds(),
		"failed", len(failed),
		"events", board.Log().Len())

	if e.sink != nil {
		if err := e.sink.RecordRun(context.WithoutCancel(ctx), res); err != nil {
			r.logger.Warn("event_sink_failed", "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("run %s cancelled: %w", res.RunID, err)
	}
	if len(failed) > 0 {
		var root error
		for _, id := range failed {
			if s := res.Steps[id]; s.Status == StatusFailed {
				root = s.Err
				break
			}
		}
		return res, fmt.Errorf("execution failed for %s: %w", strings.Join(failed, ", "), root)
	}
	return res, nil
}

func checkPages(pages []router.Page) ([]router.Page, error) {
	sorted := append([]router.Page(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for i, p := range sorted {
		if p.Number < 1 {
			return nil, fmt.Errorf("page numbers start at 1, got %d", p.Number)
		}
		if i > 0 && sorted[i-1].Number == p.Number {
			return nil, fmt.Errorf("duplicate page %d", p.Number)
		}
	}
	return sorted, nil
}

// schedule starts ready steps until every top-level step has an outcome. A step
// is ready when all its dependencies completed or were skipped; it starts only
// if fewer than MaxSteps steps are running and it does not conflict with any
// running step's declared reads and writes.
func (r *run) schedule(ctx context.Context) {
	order := r.g.Order()
	status := make(map[string]Status, len(order))
	running := make(map[string]bool)
	done := make(chan *StepResult)

	for len(status) < len(order) {
		r.propagateFailures(order, status, running)

		if ctx.Err() != nil {
			for _, id := range order {
				if _, ok := status[id]; !ok && !running[id] {
					status[id] = StatusCancelled
					r.record(&StepResult{ID: id, Kind: r.node(id).Step.Kind(), Status: StatusCancelled, Err: ctx.Err()})
				}
			}
		} else {
			for _, id := range order {
				if len(running) >= r.e.limits.MaxSteps {
					break
				}
				if _, ok := status[id]; ok || running[id] || !r.ready(id, status) || r.conflicts(id, running) {
					continue
				}
				running[id] = true
				n := r.node(id)
				go func() { done <- r.runStep(ctx, n) }()
			}
		}

		if len(running) == 0 {
			if len(status) < len(order) && ctx.Err() == nil {
				// unreachable for a validated graph
				r.logger.Error("scheduler_stalled", "pending", len(order)-len(status))
			}
			if ctx.Err() == nil {
				return
			}
			continue
		}

		res := <-done
		delete(running, res.ID)
		status[res.ID] = res.Status
		r.record(res)
	}
}

// propagateFailures marks pending steps whose dependencies can no longer be
// satisfied. order is topological, so one pass reaches every transitive dependent.
func (r *run) propagateFailures(order []string, status map[string]Status, running map[string]bool) {
	for _, id := range order {
		if _, ok := status[id]; ok || running[id] {
			continue
		}
		n := r.node(id)
		for _, dep := range n.Deps {
			s, ok := status[dep]
			if !ok || s.Satisfies() {
				continue
			}
			status[id] = StatusFailedUpstream
			r.record(&StepResult{
				ID:     id,
				Kind:   n.Step.Kind(),
				Status: StatusFailedUpstream,
				Err:    fmt.Errorf("step %q: dependency %q %s: %w", id, dep, s, ErrUpstreamFailed),
			})
			r.event("step_failed_upstream", "step_id", id, "dependency", dep)
			break
		}
	}
}

func (r *run) ready(id string, status map[string]Status) bool {
	for _, dep := range r.node(id).Deps {
		if !status[dep].Satisfies() {
			return false
		}
	}
	return true
}

func (r *run) conflicts(id string, running map[string]bool) bool {
	for other := range running {
		if r.g.Conflicts(id, other) {
			return true
		}
	}
	return false
}

func (r *run) node(id string) *graph.Node {
	n, _ := r.g.Node(id)
	return n
}

func (r *run) record(res *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ID] = res
}

func (r *run) result(id string) (*StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

// event logs a structured engine event at info level.
func (r *run) event(eventType string, attrs ...any) {
	r.logger.Info(eventType, attrs...)
}

// pagesFailed collects pages of page-route units that failed.
func (r *run) pagesFailed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int]bool)
	var out []int
	for _, res := range r.results {
		for _, u := range res.Units {
			if u.Status != StatusFailed {
				continue
			}
			for _, p := range u.Pages {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
	}
	sort.Ints(out)
	return out
}
