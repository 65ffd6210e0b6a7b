// Package graph builds the validated execution plan of a pipeline: the step
// dependency DAG, its deterministic topological order and the read/write
// footprint of every step.
package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dyluth/folio/pkg/blackboard"
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CycleError is returned by Build when dependencies form a cycle.
type CycleError struct {
	Cycle []string // a -> b -> ... -> a, following depends_on edges
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Node is a step plus everything Build resolved about it.
type Node struct {
	Step       Step
	Index      int    // declaration position among top-level steps
	Parent     string // enclosing parallel group, empty for top-level steps
	Deps       []string
	Dependents []string
	Subs       []*Node
	Cond       *Condition

	reads  []string
	writes []string
}

// Reads returns every Board pattern the step may read, including condition references.
func (n *Node) Reads() []string { return append([]string(nil), n.reads...) }

// Writes returns every Board pattern the step may write, including the engine's
// own writes to step_outputs and confidence_signals.
func (n *Node) Writes() []string { return append([]string(nil), n.writes...) }

// Graph is an immutable, validated pipeline plan.
type Graph struct {
	nodes map[string]*Node
	decl  []string
	order []string
}

// Build validates steps and resolves dependencies. A step without declared
// dependencies depends on the step declared before it; an explicit empty list
// means no dependencies. Ties in the topological order are broken by
// declaration order, so the order is stable for a given pipeline.
func Build(steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("pipeline must have at least one step")
	}

	g := &Graph{nodes: make(map[string]*Node)}
	for i, s := range steps {
		n, err := g.addNode(s, i, "")
		if err != nil {
			return nil, err
		}
		g.decl = append(g.decl, n.Step.ID)
	}

	for i, id := range g.decl {
		n := g.nodes[id]
		if !n.Step.DependsOn.Explicit() {
			if i > 0 {
				n.Deps = []string{g.decl[i-1]}
			}
		} else {
			seen := make(map[string]bool)
			for _, dep := range n.Step.DependsOn.IDs() {
				if dep == id {
					return nil, &CycleError{Cycle: []string{id, id}}
				}
				target, ok := g.nodes[dep]
				if !ok {
					return nil, fmt.Errorf("step %q depends on unknown step %q", id, dep)
				}
				if target.Parent != "" {
					return nil, fmt.Errorf("step %q depends on %q, which is a sub-step of %q", id, dep, target.Parent)
				}
				if !seen[dep] {
					seen[dep] = true
					n.Deps = append(n.Deps, dep)
				}
			}
		}
		for _, dep := range n.Deps {
			g.nodes[dep].Dependents = append(g.nodes[dep].Dependents, id)
		}
		for _, sub := range n.Subs {
			sub.Deps = n.Deps
		}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func (g *Graph) addNode(s Step, index int, parent string) (*Node, error) {
	if !stepIDPattern.MatchString(s.ID) {
		return nil, fmt.Errorf("invalid step id %q: use letters, digits, '-' and '_'", s.ID)
	}
	if _, dup := g.nodes[s.ID]; dup {
		return nil, fmt.Errorf("duplicate step id %q", s.ID)
	}
	if s.Body == nil {
		return nil, fmt.Errorf("step %q has no body", s.ID)
	}
	if s.Input == "" {
		s.Input = InputImage
	}
	if !s.Input.Valid() {
		return nil, fmt.Errorf("step %q: unknown input mode %q", s.ID, s.Input)
	}
	if err := s.Pages.Validate(); err != nil {
		return nil, fmt.Errorf("step %q: %w", s.ID, err)
	}
	for _, p := range append(append([]string(nil), s.Reads...), s.Writes...) {
		if err := blackboard.ValidatePattern(p); err != nil {
			return nil, fmt.Errorf("step %q: %w", s.ID, err)
		}
	}
	if parent != "" && s.DependsOn.Explicit() {
		return nil, fmt.Errorf("sub-step %q of %q may not declare depends_on", s.ID, parent)
	}

	n := &Node{Step: s, Index: index, Parent: parent}
	n.reads = append(n.reads, s.Reads...)
	n.writes = append(n.writes, s.Writes...)
	n.writes = append(n.writes,
		blackboard.JoinPath(blackboard.RegionStepOutputs, s.ID),
		blackboard.JoinPath(blackboard.RegionConfidenceSignals, s.ID),
	)

	if s.Condition != "" {
		cond, err := CompileCondition(s.Condition)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.ID, err)
		}
		n.Cond = cond
		n.reads = append(n.reads, cond.Paths()...)
	}
	g.nodes[s.ID] = n

	switch body := s.Body.(type) {
	case Single:
		if body.Agent == "" {
			return nil, fmt.Errorf("step %q: agent is required", s.ID)
		}
	case Deterministic:
		if body.Transform == "" {
			return nil, fmt.Errorf("step %q: transform is required", s.ID)
		}
	case PageRoute:
		if parent != "" {
			return nil, fmt.Errorf("step %q: page-route steps cannot run inside parallel group %q", s.ID, parent)
		}
		if err := body.Router.Validate(); err != nil {
			return nil, fmt.Errorf("step %q: %w", s.ID, err)
		}
		n.reads = append(n.reads, blackboard.JoinPath(blackboard.RegionPageObservations, blackboard.Wildcard, "continues_on_next_page"))
	case Parallel:
		if parent != "" {
			return nil, fmt.Errorf("step %q: parallel groups cannot be nested", s.ID)
		}
		if len(body.Steps) == 0 {
			return nil, fmt.Errorf("step %q: parallel group needs at least one sub-step", s.ID)
		}
		for _, sub := range body.Steps {
			child, err := g.addNode(sub, index, s.ID)
			if err != nil {
				return nil, err
			}
			n.Subs = append(n.Subs, child)
			n.reads = append(n.reads, child.reads...)
			n.writes = append(n.writes, child.writes...)
		}
	default:
		return nil, fmt.Errorf("step %q: unsupported step body %T", s.ID, body)
	}
	return n, nil
}

// sort is Kahn's algorithm picking the earliest declared ready step each round.
func (g *Graph) sort() ([]string, error) {
	indegree := make(map[string]int, len(g.decl))
	for _, id := range g.decl {
		indegree[id] = len(g.nodes[id].Deps)
	}

	done := make(map[string]bool, len(g.decl))
	order := make([]string, 0, len(g.decl))
	for len(order) < len(g.decl) {
		next := ""
		for _, id := range g.decl {
			if !done[id] && indegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			return nil, g.findCycle(done)
		}
		done[next] = true
		order = append(order, next)
		for _, d := range g.nodes[next].Dependents {
			indegree[d]--
		}
	}
	return order, nil
}

// findCycle walks unfinished dependencies until a step repeats. Every unfinished
// step has an unfinished dependency, so the walk always closes a loop.
func (g *Graph) findCycle(done map[string]bool) error {
	cur := ""
	for _, id := range g.decl {
		if !done[id] {
			cur = id
			break
		}
	}

	pos := make(map[string]int)
	var path []string
	for {
		if i, ok := pos[cur]; ok {
			return &CycleError{Cycle: append(path[i:], cur)}
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, d := range g.nodes[cur].Deps {
			if !done[d] {
				cur = d
				break
			}
		}
	}
}

// Order returns top-level step ids in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Declared returns top-level step ids in declaration order.
func (g *Graph) Declared() []string {
	return append([]string(nil), g.decl...)
}

// Len returns the number of top-level steps.
func (g *Graph) Len() int {
	return len(g.decl)
}

// Node returns the node of a top-level step or sub-step.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// ReadySet returns, in topological order, the top-level steps that are not in
// completed and whose dependencies all are.
func (g *Graph) ReadySet(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		ok := true
		for _, dep := range g.nodes[id].Deps {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Conflicts reports whether two steps must not run at the same time because
// one may write what the other reads or writes.
func (g *Graph) Conflicts(a, b string) bool {
	na, okA := g.nodes[a]
	nb, okB := g.nodes[b]
	if !okA || !okB || a == b {
		return false
	}
	return blackboard.OverlapAny(na.writes, nb.reads) ||
		blackboard.OverlapAny(na.reads, nb.writes) ||
		blackboard.OverlapAny(na.writes, nb.writes)
}
