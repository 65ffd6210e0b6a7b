// Package fixture provides a canned agent invoker and page classifier loaded
// from YAML, for dry runs of a pipeline definition without a model behind it.
//
// A fixture file looks like:
//
//	agents:
//	  ocr:
//	    content: "# Report"
//	    pages:
//	      2: "Second page text."
//	    writes:
//	      - path: document_metadata.language
//	        value: en
//	      - path: page_observations.{page}.quality_score
//	        value: 0.9
//	    confidence: 0.8
//	    fail_pages: [3]
//	classifier:
//	  default: {category: text, confidence: 0.9}
//	  pages:
//	    4: {category: table, confidence: 0.95}
//	document:
//	  pipeline: report
//	  confidence: 0.9
//	  content_types: [text, table]
package fixture

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/internal/registry"
	"github.com/dyluth/folio/internal/router"
)

// PagePlaceholder in a write path expands to each requested page number.
const PagePlaceholder = "{page}"

// Set is a loaded fixture file. It implements executor.Invoker, router.Classifier
// and registry.DocumentClassifier.
type Set struct {
	Agents     map[string]Agent `yaml:"agents"`
	Classifier *Classifier      `yaml:"classifier,omitempty"`
	Document   *Document        `yaml:"document,omitempty"`
}

// Document is the canned document-level classification.
type Document struct {
	registry.DocumentClassification `yaml:",inline"`
	Error                           string `yaml:"error,omitempty"`
}

// Agent is the canned behaviour of one agent id.
type Agent struct {
	Content    string           `yaml:"content,omitempty"`
	Pages      map[int]string   `yaml:"pages,omitempty"` // per-page content, preferred over content
	Writes     []executor.Write `yaml:"writes,omitempty"`
	Confidence *float64         `yaml:"confidence,omitempty"`
	Error      string           `yaml:"error,omitempty"`      // every invocation fails with this message
	FailPages  []int            `yaml:"fail_pages,omitempty"` // invocations touching these pages fail
}

// Classifier is the canned page classifier.
type Classifier struct {
	Default *router.Classification         `yaml:"default,omitempty"`
	Pages   map[int]router.Classification `yaml:"pages,omitempty"`
	Error   string                         `yaml:"error,omitempty"`
}

// Load reads a fixture file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixtures and checks them.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	if d := s.Document; d != nil && (d.Confidence < 0 || d.Confidence > 1) {
		return nil, fmt.Errorf("document: confidence must be between 0 and 1")
	}
	for name, a := range s.Agents {
		if a.Confidence != nil && (*a.Confidence < 0 || *a.Confidence > 1) {
			return nil, fmt.Errorf("agent '%s': confidence must be between 0 and 1", name)
		}
		for i, w := range a.Writes {
			if w.Path == "" {
				return nil, fmt.Errorf("agent '%s': write %d has no path", name, i)
			}
		}
	}
	return &s, nil
}

// Invoke answers with the agent's canned output for the requested pages.
func (s *Set) Invoke(ctx context.Context, req executor.Request) (executor.Output, error) {
	if err := ctx.Err(); err != nil {
		return executor.Output{}, err
	}
	a, ok := s.Agents[req.Agent]
	if !ok {
		return executor.Output{}, fmt.Errorf("no fixture for agent %q", req.Agent)
	}
	if a.Error != "" {
		return executor.Output{}, fmt.Errorf("agent %q: %s", req.Agent, a.Error)
	}
	for _, p := range req.Pages {
		for _, f := range a.FailPages {
			if p == f {
				return executor.Output{}, fmt.Errorf("agent %q failed on page %d", req.Agent, p)
			}
		}
	}

	out := executor.Output{Content: a.Content, Confidence: a.Confidence}
	if len(a.Pages) > 0 {
		out.PageContents = make(map[int]string)
		var parts []string
		for _, p := range req.Pages {
			c, ok := a.Pages[p]
			if !ok {
				c = a.Content
			}
			out.PageContents[p] = c
			if c != "" {
				parts = append(parts, c)
			}
		}
		out.Content = strings.Join(parts, "\n\n")
	}

	for _, w := range a.Writes {
		if !strings.Contains(w.Path, PagePlaceholder) {
			out.Writes = append(out.Writes, w)
			continue
		}
		for _, p := range req.Pages {
			out.Writes = append(out.Writes, executor.Write{
				Path:  strings.ReplaceAll(w.Path, PagePlaceholder, strconv.Itoa(p)),
				Value: w.Value,
			})
		}
	}
	return out, nil
}

// Classify labels pages from the classifier fixture. Pages without an entry get
// the default classification, or none.
func (s *Set) Classify(ctx context.Context, pages []router.Page) ([]router.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Classifier == nil {
		return nil, nil
	}
	if s.Classifier.Error != "" {
		return nil, fmt.Errorf("classifier: %s", s.Classifier.Error)
	}
	var out []router.Classification
	for _, p := range pages {
		c, ok := s.Classifier.Pages[p.Number]
		if !ok {
			if s.Classifier.Default == nil {
				continue
			}
			c = *s.Classifier.Default
		}
		c.Page = p.Number
		out = append(out, c)
	}
	return out, nil
}

// ClassifyDocument answers with the document fixture.
func (s *Set) ClassifyDocument(ctx context.Context, _ router.Page, _ []registry.Info) (registry.DocumentClassification, error) {
	if err := ctx.Err(); err != nil {
		return registry.DocumentClassification{}, err
	}
	if s.Document == nil {
		return registry.DocumentClassification{}, fmt.Errorf("no document fixture")
	}
	if s.Document.Error != "" {
		return registry.DocumentClassification{}, fmt.Errorf("document classifier: %s", s.Document.Error)
	}
	return s.Document.DocumentClassification, nil
}
