// Package router assigns the pages of a document to agents for page-route steps
// and groups continuation pages so they are processed together.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/dyluth/folio/pkg/blackboard"
)

// DefaultBatchSize is the number of pages sent to the classifier at once.
const DefaultBatchSize = 8

// Page is one page of the input document.
type Page struct {
	Number int    `json:"number"` // 1-based
	Image  []byte `json:"-"`
}

// Rule sends the selected pages to an agent.
type Rule struct {
	Pages Selector
	Agent string
}

// ClassifySpec configures classification of pages no rule matched.
type ClassifySpec struct {
	BatchSize     int
	MinConfidence float64           // classifications below this fall back to the default agent
	Categories    map[string]string // category -> agent id
}

// Spec is the routing table of a page-route step.
type Spec struct {
	Rules        []Rule
	Classify     *ClassifySpec
	DefaultAgent string
}

// Validate checks the routing table.
func (s Spec) Validate() error {
	if s.DefaultAgent == "" {
		return fmt.Errorf("router default_agent is required")
	}
	for i, r := range s.Rules {
		if r.Agent == "" {
			return fmt.Errorf("router rule %d: agent is required", i)
		}
		if len(r.Pages) == 0 {
			return fmt.Errorf("router rule %d: pages are required", i)
		}
		if err := r.Pages.Validate(); err != nil {
			return fmt.Errorf("router rule %d: %w", i, err)
		}
	}
	if s.Classify != nil {
		if s.Classify.BatchSize < 0 {
			return fmt.Errorf("router classify batch_size must be positive")
		}
		if s.Classify.MinConfidence < 0 || s.Classify.MinConfidence > 1 {
			return fmt.Errorf("router classify min_confidence must be between 0 and 1")
		}
		for category, agent := range s.Classify.Categories {
			if agent == "" {
				return fmt.Errorf("router category %q has no agent", category)
			}
		}
	}
	return nil
}

// Classification is the classifier's verdict for one page.
type Classification struct {
	Page       int     `json:"page"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classifier labels pages with a content category.
type Classifier interface {
	Classify(ctx context.Context, pages []Page) ([]Classification, error)
}

// Reader is the read side of the Board the router needs.
type Reader interface {
	Read(region, keyPath, readerID string) (any, error)
}

// Source records why a page went to its agent.
type Source string

const (
	SourceRule       Source = "rule"
	SourceClassified Source = "classified"
	SourceDefault    Source = "default"
	SourceContinued  Source = "continuation"
)

// Unit is a run of consecutive pages handled by one agent invocation.
type Unit struct {
	Agent string `json:"agent"`
	Pages []int  `json:"pages"`
}

// ID returns a stable name for the unit inside step.
func (u Unit) ID(step string) string {
	if len(u.Pages) == 1 {
		return fmt.Sprintf("%s.p%d", step, u.Pages[0])
	}
	return fmt.Sprintf("%s.p%d-%d", step, u.Pages[0], u.Pages[len(u.Pages)-1])
}

// Assignment maps every routed page to an agent.
type Assignment struct {
	Agents  map[int]string `json:"agents"`
	Sources map[int]Source `json:"sources"`
	Units   []Unit         `json:"units,omitempty"`
}

// Pages returns the assigned page numbers in order.
func (a Assignment) Pages() []int {
	pages := make([]int, 0, len(a.Agents))
	for p := range a.Agents {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// Router assigns pages to agents.
type Router struct {
	classifier Classifier
	maxBatches int
	logger     *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithMaxBatches bounds how many classifier batches run at once.
func WithMaxBatches(n int) Option {
	return func(r *Router) { r.maxBatches = n }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router. A nil classifier sends every unmatched page to the default agent.
func New(classifier Classifier, opts ...Option) *Router {
	r := &Router{classifier: classifier, maxBatches: 2, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxBatches < 1 {
		r.maxBatches = 1
	}
	return r
}

// Route assigns pages and groups them into units.
func (r *Router) Route(ctx context.Context, spec Spec, pages []Page, board Reader, actor string) (Assignment, error) {
	a, err := r.Assign(ctx, spec, pages)
	if err != nil {
		return Assignment{}, err
	}
	a.Units = r.Group(a, board, actor)
	return a, nil
}

// Assign applies the static rules first, in order; a later matching rule
// overrides an earlier one. Pages no rule matched are classified in batches and
// mapped to agents by category.
// Pages the classifier cannot place go to the default agent. Negative rule
// selectors count back from the highest routed page.
func (r *Router) Assign(ctx context.Context, spec Spec, pages []Page) (Assignment, error) {
	a := Assignment{Agents: make(map[int]string, len(pages)), Sources: make(map[int]Source, len(pages))}
	total := 0
	for _, p := range pages {
		total = max(total, p.Number)
	}

	var unmatched []Page
	for _, p := range pages {
		agent, ok := "", false
		for _, rule := range spec.Rules {
			if rule.Pages.Contains(p.Number, total) {
				agent, ok = rule.Agent, true
			}
		}
		if ok {
			a.Agents[p.Number] = agent
			a.Sources[p.Number] = SourceRule
			continue
		}
		unmatched = append(unmatched, p)
	}

	classified, err := r.classify(ctx, spec, unmatched)
	if err != nil {
		return Assignment{}, err
	}
	for _, p := range unmatched {
		if agent, ok := classified[p.Number]; ok {
			a.Agents[p.Number] = agent
			a.Sources[p.Number] = SourceClassified
			continue
		}
		a.Agents[p.Number] = spec.DefaultAgent
		a.Sources[p.Number] = SourceDefault
	}
	return a, nil
}

// classify returns agent ids for the pages the classifier placed confidently.
// A failed batch is logged and its pages fall back to the default agent.
func (r *Router) classify(ctx context.Context, spec Spec, pages []Page) (map[int]string, error) {
	out := make(map[int]string)
	if spec.Classify == nil || r.classifier == nil || len(pages) == 0 {
		return out, nil
	}

	size := spec.Classify.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches [][]Page
	for start := 0; start < len(pages); start += size {
		batches = append(batches, pages[start:min(start+size, len(pages))])
	}

	results := make([][]Classification, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxBatches)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := r.classifier.Classify(gctx, batch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("classification_failed", "first_page", batch[0].Number, "pages", len(batch), "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, batch := range results {
		for _, c := range batch {
			if c.Confidence < spec.Classify.MinConfidence {
				continue
			}
			if agent, ok := spec.Classify.Categories[c.Category]; ok {
				out[c.Page] = agent
			}
		}
	}
	return out, nil
}

// Group turns an assignment into units. When a page is flagged with
// continues_on_next_page and the next page is routed too, the next page joins the
// same unit and is handled by the same agent. This holds even when the next page
// was assigned to a different agent: the continued page is reassigned and its
// source becomes SourceContinued. Each flag is read through board.
func (r *Router) Group(a Assignment, board Reader, actor string) []Unit {
	pages := a.Pages()
	var units []Unit
	for i := 0; i < len(pages); i++ {
		unit := Unit{Agent: a.Agents[pages[i]], Pages: []int{pages[i]}}
		for i+1 < len(pages) && pages[i+1] == pages[i]+1 && continues(board, pages[i], actor) {
			i++
			if a.Agents[pages[i]] != unit.Agent {
				a.Agents[pages[i]] = unit.Agent
				a.Sources[pages[i]] = SourceContinued
			}
			unit.Pages = append(unit.Pages, pages[i])
		}
		units = append(units, unit)
	}
	return units
}

func continues(board Reader, page int, actor string) bool {
	if board == nil {
		return false
	}
	v, err := board.Read(blackboard.RegionPageObservations, strconv.Itoa(page)+".continues_on_next_page", actor)
	if err != nil {
		return false
	}
	flag, _ := v.(bool)
	return flag
}
