package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

func pipelineYAML(name, description string) string {
	return `version: "1.0"
name: ` + name + `
description: ` + description + `
steps:
  - name: extract
    agent: ` + name + `_extract
`
}

func writePipelines(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

type stubClassifier struct {
	verdict DocumentClassification
	err     error
	seen    []Info
}

func (s *stubClassifier) ClassifyDocument(_ context.Context, first router.Page, pipelines []Info) (DocumentClassification, error) {
	s.seen = pipelines
	return s.verdict, s.err
}

func TestLoadDir(t *testing.T) {
	dir := writePipelines(t, map[string]string{
		"generic.yml":  pipelineYAML("generic", "Any document"),
		"invoice.yaml": pipelineYAML("invoice", "Supplier invoices"),
		"fixtures.yml": "agents:\n  x:\n    content: hi\n",
		"notes.txt":    "not yaml",
		"broken.yml":   "steps: [",
	})

	r, err := LoadDir(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Has("invoice"))
	assert.False(t, r.Has("fixtures"))

	assert.Equal(t, []Info{
		{Name: "generic", Description: "Any document", Steps: 1, Path: filepath.Join(dir, "generic.yml")},
		{Name: "invoice", Description: "Supplier invoices", Steps: 1, Path: filepath.Join(dir, "invoice.yaml")},
	}, r.List())

	cfg, err := r.Get("invoice")
	require.NoError(t, err)
	assert.Equal(t, "invoice", cfg.Name)

	_, err = r.Get("receipt")
	assert.ErrorContains(t, err, "pipeline 'receipt' not found")

	t.Run("duplicate names", func(t *testing.T) {
		dir := writePipelines(t, map[string]string{
			"a.yml": pipelineYAML("invoice", "one"),
			"b.yml": pipelineYAML("invoice", "two"),
		})
		_, err := LoadDir(dir, nil)
		assert.ErrorContains(t, err, "duplicate pipeline 'invoice'")
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := LoadDir(filepath.Join(t.TempDir(), "nope"), nil)
		assert.Error(t, err)
	})
}

func TestSelect(t *testing.T) {
	dir := writePipelines(t, map[string]string{
		"generic.yml": pipelineYAML("generic", "Any document"),
		"invoice.yml": pipelineYAML("invoice", "Supplier invoices"),
	})
	r, err := LoadDir(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()
	first := router.Page{Number: 1}

	tests := []struct {
		name         string
		classifier   *stubClassifier
		min          float64
		wantPipeline string
		wantFallback bool
		wantReason   string
	}{
		{
			name:         "confident choice",
			classifier:   &stubClassifier{verdict: DocumentClassification{Pipeline: "invoice", Confidence: 0.9}},
			wantPipeline: "invoice",
		},
		{
			name:         "exactly at the threshold",
			classifier:   &stubClassifier{verdict: DocumentClassification{Pipeline: "invoice", Confidence: 0.7}},
			wantPipeline: "invoice",
		},
		{
			name:         "low confidence falls back",
			classifier:   &stubClassifier{verdict: DocumentClassification{Pipeline: "invoice", Confidence: 0.4}},
			wantPipeline: "generic",
			wantFallback: true,
			wantReason:   "confidence 0.40 below 0.70",
		},
		{
			name:         "custom threshold",
			classifier:   &stubClassifier{verdict: DocumentClassification{Pipeline: "invoice", Confidence: 0.4}},
			min:          0.3,
			wantPipeline: "invoice",
		},
		{
			name:         "unknown pipeline falls back",
			classifier:   &stubClassifier{verdict: DocumentClassification{Pipeline: "receipt", Confidence: 0.99}},
			wantPipeline: "generic",
			wantFallback: true,
			wantReason:   "unknown pipeline 'receipt'",
		},
		{
			name:         "classifier error falls back",
			classifier:   &stubClassifier{err: errors.New("model unavailable")},
			wantPipeline: "generic",
			wantFallback: true,
			wantReason:   "classification failed: model unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := r.Select(ctx, tt.classifier, first, tt.min, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPipeline, sel.Config.Name)
			assert.Equal(t, tt.wantFallback, sel.Fallback)
			assert.Equal(t, tt.wantReason, sel.Reason)
			assert.Len(t, tt.classifier.seen, 2, "the classifier is shown every registered pipeline")
		})
	}

	t.Run("registry without the fallback pipeline", func(t *testing.T) {
		dir := writePipelines(t, map[string]string{"invoice.yml": pipelineYAML("invoice", "x")})
		r, err := LoadDir(dir, nil)
		require.NoError(t, err)

		_, err = r.Select(ctx, &stubClassifier{verdict: DocumentClassification{Pipeline: "invoice", Confidence: 0.1}}, first, 0, nil)
		assert.ErrorContains(t, err, "pipeline 'generic' not found")
	})

	t.Run("cancelled context is not a fallback", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := r.Select(cctx, &stubClassifier{err: context.Canceled}, first, 0, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// Content types are recorded even when the pipeline fell back.
func TestRecordContentTypes(t *testing.T) {
	sel := &Selection{
		Classification: DocumentClassification{Pipeline: "invoice", Confidence: 0.2, ContentTypes: []string{"text", "handwriting"}},
		Fallback:       true,
	}
	board := blackboard.New()
	require.NoError(t, sel.RecordContentTypes(board))

	v, err := board.Read(blackboard.RegionDocumentMetadata, "content_types", "test")
	require.NoError(t, err)
	assert.Equal(t, []any{"text", "handwriting"}, v)

	writes := board.Log().ByActor(ClassifierWriter)
	require.Len(t, writes, 1)
	assert.Equal(t, blackboard.OpWrite, writes[0].Op)

	empty := blackboard.New()
	require.NoError(t, (&Selection{}).RecordContentTypes(empty))
	assert.Empty(t, empty.Events())
}
