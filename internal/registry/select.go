package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

const (
	// FallbackPipeline is selected when classification fails, names an unknown
	// pipeline or is not confident enough.
	FallbackPipeline = "generic"

	// DefaultMinConfidence is the lowest confidence accepted without falling back.
	DefaultMinConfidence = 0.7

	// ClassifierWriter is the writer id of the content types recorded on the Board.
	ClassifierWriter = "_classifier"
)

// DocumentClassification is a classifier's verdict on a whole document.
type DocumentClassification struct {
	Pipeline     string   `json:"pipeline" yaml:"pipeline"`
	Confidence   float64  `json:"confidence" yaml:"confidence"`
	Reasoning    string   `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	ContentTypes []string `json:"content_types,omitempty" yaml:"content_types,omitempty"`
}

// DocumentClassifier picks a pipeline for a document from its first page and
// the registered pipelines.
type DocumentClassifier interface {
	ClassifyDocument(ctx context.Context, first router.Page, pipelines []Info) (DocumentClassification, error)
}

// Selection is the outcome of Select.
type Selection struct {
	Config         *config.PipelineConfig
	Classification DocumentClassification
	Fallback       bool   // FallbackPipeline was used instead of the classifier's choice
	Reason         string // why the fallback was used
}

// Select classifies the first page and returns the chosen pipeline. Failures of
// the classifier are logged and resolved to FallbackPipeline; only a registry
// without the fallback pipeline makes Select fail. A minConfidence of zero or less
// uses DefaultMinConfidence.
func (r *Registry) Select(ctx context.Context, cls DocumentClassifier, first router.Page, minConfidence float64, logger *slog.Logger) (*Selection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	c, err := cls.ClassifyDocument(ctx, first, r.List())
	sel := &Selection{Classification: c}
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sel.Classification = DocumentClassification{}
		sel.Reason = fmt.Sprintf("classification failed: %v", err)
	case !r.Has(c.Pipeline):
		sel.Reason = fmt.Sprintf("unknown pipeline '%s'", c.Pipeline)
	case c.Confidence < minConfidence:
		sel.Reason = fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, minConfidence)
	}

	name := c.Pipeline
	if sel.Reason != "" {
		sel.Fallback = true
		name = FallbackPipeline
		logger.Warn("pipeline_fallback", "classified_as", c.Pipeline, "confidence", c.Confidence,
			"reason", sel.Reason, "pipeline", FallbackPipeline)
	}

	cfg, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	sel.Config = cfg
	logger.Info("pipeline_selected", "pipeline", name, "confidence", sel.Classification.Confidence, "fallback", sel.Fallback)
	return sel, nil
}

// RecordContentTypes writes the detected content types to
// document_metadata.content_types as ClassifierWriter. Nothing is written when
// none were detected.
func (s *Selection) RecordContentTypes(board *blackboard.Board) error {
	types := s.Classification.ContentTypes
	if len(types) == 0 {
		return nil
	}
	return board.Write(blackboard.RegionDocumentMetadata, "content_types", types, ClassifierWriter)
}
