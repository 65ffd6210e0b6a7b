package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

// Step types accepted in pipeline files
const (
	StepTypeAgent     = "agent"
	StepTypeParallel  = "parallel"
	StepTypePageRoute = "page_route"
	StepTypeCode      = "code"
)

// PipelineConfig represents a pipeline definition file
type PipelineConfig struct {
	Version     string         `yaml:"version"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Engine      *EngineConfig  `yaml:"engine,omitempty"`
	Regions     []RegionConfig `yaml:"regions,omitempty"` // custom regions added to the built-in ones
	Steps       []StepConfig   `yaml:"steps"`
}

// EngineConfig specifies concurrency limits and view bounds
type EngineConfig struct {
	MaxSteps           int `yaml:"max_steps,omitempty"`            // Default: 1 (serial topological order)
	MaxSubsteps        int `yaml:"max_substeps,omitempty"`         // Default: 4
	MaxPageUnits       int `yaml:"max_page_units,omitempty"`       // Default: 4
	MaxClassifyBatches int `yaml:"max_classify_batches,omitempty"` // Default: 2
	MaxViewBytes       int `yaml:"max_view_bytes,omitempty"`       // Default: 8000
}

// RegionConfig declares a custom Board region
type RegionConfig struct {
	Name   string         `yaml:"name"`
	Policy string         `yaml:"policy"` // "overwrite" or "deep_merge"
	Schema map[string]any `yaml:"schema,omitempty"`
}

// StepConfig represents a single pipeline step
type StepConfig struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type,omitempty"` // Default: agent
	Agent     string         `yaml:"agent,omitempty"`
	Input     string         `yaml:"input,omitempty"`
	Pages     PageList       `yaml:"pages,omitempty"`
	DependsOn DependsOn      `yaml:"depends_on,omitempty"`
	Condition string         `yaml:"condition,omitempty"`
	Reads     []string       `yaml:"reads,omitempty"`
	Writes    []string       `yaml:"writes,omitempty"`
	Steps     []StepConfig   `yaml:"steps,omitempty"`  // parallel only
	Router    *RouterConfig  `yaml:"router,omitempty"` // page_route only
	Function  string         `yaml:"function,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
}

// RouterConfig specifies how a page_route step assigns pages
type RouterConfig struct {
	Rules        []RuleConfig    `yaml:"rules,omitempty"`
	Classify     *ClassifyConfig `yaml:"classify,omitempty"`
	DefaultAgent string          `yaml:"default_agent"`
}

// RuleConfig sends the selected pages to an agent
type RuleConfig struct {
	Pages PageList `yaml:"pages"`
	Agent string   `yaml:"agent"`
}

// ClassifyConfig specifies runtime classification of unmatched pages
type ClassifyConfig struct {
	BatchSize     int               `yaml:"batch_size,omitempty"` // Default: 8
	MinConfidence float64           `yaml:"min_confidence,omitempty"`
	Categories    map[string]string `yaml:"categories"` // category -> agent
}

// PageList is a page selector written as a YAML list of page numbers and
// slice strings, e.g. [1, -1, "2:"].
type PageList []string

// UnmarshalYAML accepts integers and strings as list items.
func (p *PageList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: pages must be a list", node.Line)
	}
	out := make(PageList, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: page selector items must be numbers or strings", item.Line)
		}
		if item.Tag == "!!int" {
			if _, err := strconv.Atoi(item.Value); err != nil {
				return fmt.Errorf("line %d: invalid page number %q", item.Line, item.Value)
			}
		}
		out = append(out, item.Value)
	}
	*p = out
	return nil
}

// DependsOn keeps the difference between an absent depends_on (implicit
// dependency on the previous step) and an explicit empty list (no dependencies).
type DependsOn struct {
	IDs []string
	Set bool
}

// UnmarshalYAML records that depends_on was given.
func (d *DependsOn) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		*d = DependsOn{}
		return nil
	}
	var ids []string
	if err := node.Decode(&ids); err != nil {
		return fmt.Errorf("line %d: depends_on must be a list of step names", node.Line)
	}
	*d = DependsOn{IDs: ids, Set: true}
	return nil
}

// MarshalYAML writes the list, or nothing when depends_on was not given.
func (d DependsOn) MarshalYAML() (any, error) {
	if !d.Set {
		return nil, nil
	}
	if d.IDs == nil {
		return []string{}, nil
	}
	return d.IDs, nil
}

// IsZero lets omitempty drop an undeclared depends_on.
func (d DependsOn) IsZero() bool {
	return !d.Set
}

// Validate performs strict validation on the pipeline and applies defaults
func (c *PipelineConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: name
	if c.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}

	// Required: at least one step
	if len(c.Steps) == 0 {
		return fmt.Errorf("no steps defined")
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}

	for i, r := range c.Regions {
		if r.Name == "" {
			return fmt.Errorf("region %d: name is required", i)
		}
		if err := blackboard.Policy(r.Policy).Validate(); err != nil {
			return fmt.Errorf("region '%s': %w", r.Name, err)
		}
	}

	for i := range c.Steps {
		if err := c.Steps[i].Validate(false); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks limits and applies defaults
func (e *EngineConfig) Validate() error {
	for name, v := range map[string]int{
		"max_steps":            e.MaxSteps,
		"max_substeps":         e.MaxSubsteps,
		"max_page_units":       e.MaxPageUnits,
		"max_classify_batches": e.MaxClassifyBatches,
		"max_view_bytes":       e.MaxViewBytes,
	} {
		if v < 0 {
			return fmt.Errorf("engine.%s must be >= 1, got %d", name, v)
		}
	}

	limits := e.Limits()
	e.MaxSteps = limits.MaxSteps
	e.MaxSubsteps = limits.MaxSubsteps
	e.MaxPageUnits = limits.MaxPageUnits
	e.MaxClassifyBatches = limits.MaxClassifyBatches
	if e.MaxViewBytes == 0 {
		e.MaxViewBytes = blackboard.DefaultMaxViewBytes
	}
	return nil
}

// Limits converts the engine section to executor limits. Unset fields take the
// executor defaults.
func (e *EngineConfig) Limits() executor.Limits {
	d := executor.DefaultLimits()
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	return executor.Limits{
		MaxSteps:           pick(e.MaxSteps, d.MaxSteps),
		MaxSubsteps:        pick(e.MaxSubsteps, d.MaxSubsteps),
		MaxPageUnits:       pick(e.MaxPageUnits, d.MaxPageUnits),
		MaxClassifyBatches: pick(e.MaxClassifyBatches, d.MaxClassifyBatches),
	}
}

// Validate checks the fields each step type requires. Graph-level checks
// (unknown dependencies, cycles, expressions, patterns) happen in Graph.
func (s *StepConfig) Validate(sub bool) error {
	// Required: name
	if s.Name == "" {
		return fmt.Errorf("step name is required")
	}

	if s.Type == "" {
		s.Type = StepTypeAgent
	}

	switch s.Type {
	case StepTypeAgent:
		if s.Agent == "" {
			return fmt.Errorf("step '%s': agent is required", s.Name)
		}
	case StepTypeCode:
		if s.Function == "" {
			return fmt.Errorf("step '%s': function is required for code steps", s.Name)
		}
	case StepTypeParallel:
		if sub {
			return fmt.Errorf("step '%s': parallel steps cannot be nested", s.Name)
		}
		if len(s.Steps) == 0 {
			return fmt.Errorf("step '%s': parallel steps need at least one sub-step", s.Name)
		}
		for i := range s.Steps {
			if err := s.Steps[i].Validate(true); err != nil {
				return fmt.Errorf("step '%s': %w", s.Name, err)
			}
		}
	case StepTypePageRoute:
		if s.Router == nil {
			return fmt.Errorf("step '%s': router is required for page_route steps", s.Name)
		}
		if s.Router.DefaultAgent == "" {
			return fmt.Errorf("step '%s': router.default_agent is required", s.Name)
		}
		if s.Router.Classify != nil && len(s.Router.Classify.Categories) == 0 {
			return fmt.Errorf("step '%s': router.classify needs at least one category", s.Name)
		}
	default:
		return fmt.Errorf("step '%s': invalid type: %s (must be 'agent', 'parallel', 'page_route', or 'code')", s.Name, s.Type)
	}

	if s.Input != "" && !graph.InputMode(s.Input).Valid() {
		return fmt.Errorf("step '%s': invalid input: %s (must be 'image', 'previous_output', 'image_and_previous', or 'previous_outputs')", s.Name, s.Input)
	}
	return nil
}

// Step converts the configuration to a graph step.
func (s *StepConfig) Step() graph.Step {
	step := graph.Step{
		ID:        s.Name,
		Condition: s.Condition,
		Reads:     s.Reads,
		Writes:    s.Writes,
		Input:     graph.InputMode(s.Input),
		Pages:     router.Selector(s.Pages),
	}
	if s.DependsOn.Set {
		step.DependsOn = graph.After(s.DependsOn.IDs...)
	}

	switch s.Type {
	case StepTypeCode:
		step.Body = graph.Deterministic{Transform: s.Function, Params: s.Params}
	case StepTypeParallel:
		subs := make([]graph.Step, len(s.Steps))
		for i := range s.Steps {
			subs[i] = s.Steps[i].Step()
		}
		step.Body = graph.Parallel{Steps: subs}
	case StepTypePageRoute:
		step.Body = graph.PageRoute{Router: s.Router.Spec()}
	default:
		step.Body = graph.Single{Agent: s.Agent}
	}
	return step
}

// Spec converts the router configuration.
func (r *RouterConfig) Spec() router.Spec {
	spec := router.Spec{DefaultAgent: r.DefaultAgent}
	for _, rule := range r.Rules {
		spec.Rules = append(spec.Rules, router.Rule{Pages: router.Selector(rule.Pages), Agent: rule.Agent})
	}
	if r.Classify != nil {
		spec.Classify = &router.ClassifySpec{
			BatchSize:     r.Classify.BatchSize,
			MinConfidence: r.Classify.MinConfidence,
			Categories:    r.Classify.Categories,
		}
	}
	return spec
}

// Graph builds the validated step graph.
func (c *PipelineConfig) Graph() (*graph.Graph, error) {
	steps := make([]graph.Step, len(c.Steps))
	for i := range c.Steps {
		steps[i] = c.Steps[i].Step()
	}
	return graph.Build(steps)
}

// Schema returns the Board schema: the built-in regions plus any custom ones.
func (c *PipelineConfig) Schema() (*blackboard.Schema, error) {
	if len(c.Regions) == 0 {
		return blackboard.DefaultSchema(), nil
	}
	specs := blackboard.BuiltinRegions()
	for _, r := range c.Regions {
		specs = append(specs, blackboard.RegionSpec{Name: r.Name, Policy: blackboard.Policy(r.Policy), Schema: r.Schema})
	}
	return blackboard.NewSchema(specs...)
}

// NewBoard returns an empty Board configured for this pipeline.
func (c *PipelineConfig) NewBoard() (*blackboard.Board, error) {
	schema, err := c.Schema()
	if err != nil {
		return nil, err
	}
	opts := []blackboard.Option{blackboard.WithSchema(schema)}
	if c.Engine != nil && c.Engine.MaxViewBytes > 0 {
		opts = append(opts, blackboard.WithMaxViewBytes(c.Engine.MaxViewBytes))
	}
	return blackboard.New(opts...), nil
}

// Load reads and validates a pipeline file from the specified path. The graph
// is built once here so that structural errors surface at load time.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline definition.
func Parse(data []byte) (*PipelineConfig, error) {
	var config PipelineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	if _, err := config.Graph(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	if _, err := config.Schema(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	return &config, nil
}
