package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/registry"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

const sample = `agents:
  ocr:
    content: "generic text"
    pages:
      2: "page two"
    writes:
      - path: document_metadata.language
        value: en
      - path: page_observations.{page}.quality_score
        value: 0.9
    confidence: 0.8
  flaky:
    content: "ok"
    fail_pages: [3]
  down:
    error: model unavailable
classifier:
  default: {category: text, confidence: 0.9}
  pages:
    3: {category: table, confidence: 0.95}
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, set.Agents, 3)
	require.NotNil(t, set.Classifier)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = Parse([]byte("agents:\n  x:\n    confidence: 2\n"))
	assert.Error(t, err)
}

func TestInvoke(t *testing.T) {
	set, err := Parse([]byte(sample))
	require.NoError(t, err)
	ctx := context.Background()

	out, err := set.Invoke(ctx, executor.Request{Agent: "ocr", Pages: []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "generic text\n\npage two", out.Content)
	assert.Equal(t, map[int]string{1: "generic text", 2: "page two"}, out.PageContents)
	assert.Equal(t, []executor.Write{
		{Path: "document_metadata.language", Value: "en"},
		{Path: "page_observations.1.quality_score", Value: 0.9},
		{Path: "page_observations.2.quality_score", Value: 0.9},
	}, out.Writes)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, 0.8, *out.Confidence)

	_, err = set.Invoke(ctx, executor.Request{Agent: "flaky", Pages: []int{2, 3}})
	assert.ErrorContains(t, err, "page 3")
	out, err = set.Invoke(ctx, executor.Request{Agent: "flaky", Pages: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)

	_, err = set.Invoke(ctx, executor.Request{Agent: "down"})
	assert.ErrorContains(t, err, "model unavailable")
	_, err = set.Invoke(ctx, executor.Request{Agent: "ghost"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	set, err := Parse([]byte(sample))
	require.NoError(t, err)

	got, err := set.Classify(context.Background(), []router.Page{{Number: 2}, {Number: 3}})
	require.NoError(t, err)
	assert.Equal(t, []router.Classification{
		{Page: 2, Category: "text", Confidence: 0.9},
		{Page: 3, Category: "table", Confidence: 0.95},
	}, got)

	empty := &Set{}
	got, err = empty.Classify(context.Background(), []router.Page{{Number: 1}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassifyDocument(t *testing.T) {
	ctx := context.Background()

	set, err := Parse([]byte(`document:
  pipeline: invoice
  confidence: 0.93
  reasoning: letterhead and totals
  content_types: [text, table]
`))
	require.NoError(t, err)
	got, err := set.ClassifyDocument(ctx, router.Page{Number: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.DocumentClassification{
		Pipeline:     "invoice",
		Confidence:   0.93,
		Reasoning:    "letterhead and totals",
		ContentTypes: []string{"text", "table"},
	}, got)

	failing, err := Parse([]byte("document:\n  error: timeout\n"))
	require.NoError(t, err)
	_, err = failing.ClassifyDocument(ctx, router.Page{Number: 1}, nil)
	assert.ErrorContains(t, err, "timeout")

	_, err = (&Set{}).ClassifyDocument(ctx, router.Page{Number: 1}, nil)
	assert.Error(t, err)

	_, err = Parse([]byte("document:\n  pipeline: x\n  confidence: 1.5\n"))
	assert.Error(t, err)
}

func TestFixturesDrivePipeline(t *testing.T) {
	set, err := Parse([]byte(`agents:
  text_extract:
    content: "prose"
  table_extract:
    content: "| a |"
classifier:
  pages:
    2: {category: table, confidence: 0.9}
`))
	require.NoError(t, err)

	g, err := graph.Build([]graph.Step{{ID: "extract", Body: graph.PageRoute{Router: router.Spec{
		DefaultAgent: "text_extract",
		Classify: &router.ClassifySpec{
			MinConfidence: 0.5,
			Categories:    map[string]string{"table": "table_extract"},
		},
	}}}})
	require.NoError(t, err)

	res, err := executor.New(set, executor.WithClassifier(set)).Run(context.Background(), g, []router.Page{{Number: 1}, {Number: 2}}, blackboard.New())
	require.NoError(t, err)
	assert.Equal(t, "prose\n\n| a |", res.Content)

	step := res.Steps["extract"]
	require.NotNil(t, step.Assignment)
	assert.Equal(t, router.SourceClassified, step.Assignment.Sources[2])
	assert.Equal(t, router.SourceDefault, step.Assignment.Sources[1])
}
