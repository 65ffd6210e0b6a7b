package blackboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in region names.
const (
	RegionDocumentMetadata  = "document_metadata"
	RegionPageObservations  = "page_observations"
	RegionStepOutputs       = "step_outputs"
	RegionAgentNotes        = "agent_notes"
	RegionConfidenceSignals = "confidence_signals"
)

// RegionSpec declares a region: its name, write policy and the JSON schema of the
// region document. The schema describes the whole region as one JSON object.
// Writes are validated one top-level key at a time, so region schemas should not
// use "required" at the top level.
type RegionSpec struct {
	Name   string
	Policy Policy
	Schema map[string]any // nil accepts any object
}

type region struct {
	spec     RegionSpec
	compiled *jsonschema.Schema
}

// validate checks the document that results from writing value under the top-level key.
func (r *region) validate(key string, value any) error {
	return r.compiled.Validate(map[string]any{key: value})
}

// Schema is a compiled, immutable set of regions.
type Schema struct {
	regions map[string]*region
	names   []string
}

var (
	defaultSchemaOnce sync.Once
	defaultSchema     *Schema
)

// DefaultSchema returns the compiled built-in regions.
func DefaultSchema() *Schema {
	defaultSchemaOnce.Do(func() {
		s, err := NewSchema(BuiltinRegions()...)
		if err != nil {
			panic(fmt.Sprintf("blackboard: built-in region schemas do not compile: %v", err))
		}
		defaultSchema = s
	})
	return defaultSchema
}

// NewSchema compiles the given regions. Region names must be unique and may not contain dots.
func NewSchema(specs ...RegionSpec) (*Schema, error) {
	s := &Schema{regions: make(map[string]*region, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("region name cannot be empty")
		}
		if strings.ContainsAny(spec.Name, ".*") {
			return nil, fmt.Errorf("invalid region name %q", spec.Name)
		}
		if _, dup := s.regions[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate region %q", spec.Name)
		}
		if err := spec.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("region %q: %w", spec.Name, err)
		}
		compiled, err := compileRegion(spec)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", spec.Name, err)
		}
		s.regions[spec.Name] = &region{spec: spec, compiled: compiled}
		s.names = append(s.names, spec.Name)
	}
	return s, nil
}

func compileRegion(spec RegionSpec) (*jsonschema.Schema, error) {
	doc := spec.Schema
	if doc == nil {
		doc = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	url := spec.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// Names returns the region names in declaration order.
func (s *Schema) Names() []string {
	return append([]string(nil), s.names...)
}

// Policy returns the write policy of a region.
func (s *Schema) Policy(name string) (Policy, bool) {
	r, ok := s.regions[name]
	if !ok {
		return "", false
	}
	return r.spec.Policy, true
}

func (s *Schema) region(name string) (*region, error) {
	r, ok := s.regions[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRegion, name)
	}
	return r, nil
}

// BuiltinRegions returns the specs of the five regions every Board starts with.
func BuiltinRegions() []RegionSpec {
	return []RegionSpec{
		{Name: RegionDocumentMetadata, Policy: PolicyOverwrite, Schema: documentMetadataSchema()},
		{Name: RegionPageObservations, Policy: PolicyDeepMerge, Schema: pageObservationsSchema()},
		{Name: RegionStepOutputs, Policy: PolicyDeepMerge, Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		}},
		{Name: RegionAgentNotes, Policy: PolicyDeepMerge, Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "object"},
		}},
		{Name: RegionConfidenceSignals, Policy: PolicyDeepMerge, Schema: map[string]any{
			"type": "object",
			"additionalProperties": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
		}},
	}
}

func documentMetadataSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"language":      map[string]any{"type": "string"},
			"date_format":   map[string]any{"type": "string"},
			"layout":        map[string]any{"type": "string"},
			"title":         map[string]any{"type": "string"},
			"page_count":    map[string]any{"type": "integer", "minimum": 0},
			"content_types": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"extra":         map[string]any{"type": "object"},
		},
	}
}

func pageObservationsSchema() map[string]any {
	uncertain := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"area":       map[string]any{"type": "string"},
			"reason":     map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "string"},
		},
	}
	page := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"content_types":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"rotation":                map[string]any{"type": "number"},
			"continues_on_next_page":  map[string]any{"type": "boolean"},
			"continues_from_previous": map[string]any{"type": "boolean"},
			"quality_score":           map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"table_count":             map[string]any{"type": "integer", "minimum": 0},
			"uncertain_regions":       map[string]any{"type": "array", "items": uncertain},
			"extra":                   map[string]any{"type": "object"},
		},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"patternProperties": map[string]any{
			"^[1-9][0-9]*$": page,
		},
	}
}
