package blackboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"document_metadata", "document_metadata.language", true},
		{"document_metadata.language", "document_metadata.language", true},
		{"document_metadata.language", "document_metadata", false},
		{"page_observations.*.rotation", "page_observations.3.rotation", true},
		{"page_observations.*.rotation", "page_observations.3.quality_score", false},
		{"agent_notes.ocr", "agent_notes.ocr.lang", true},
		{"agent_notes.ocr", "agent_notes.ocrx", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.path))
		})
	}
}

func TestOverlap(t *testing.T) {
	assert.True(t, Overlap("page_observations", "page_observations.3.rotation"))
	assert.True(t, Overlap("page_observations.*.rotation", "page_observations.3"))
	assert.False(t, Overlap("page_observations.*.rotation", "page_observations.3.quality_score"))
	assert.False(t, Overlap("document_metadata", "step_outputs"))
	assert.True(t, OverlapAny([]string{"step_outputs.a"}, []string{"agent_notes", "step_outputs"}))
	assert.False(t, OverlapAny(nil, []string{"step_outputs"}))
}

func TestSplitAndJoinPath(t *testing.T) {
	region, key := SplitPath("page_observations.3.rotation")
	assert.Equal(t, "page_observations", region)
	assert.Equal(t, "3.rotation", key)

	region, key = SplitPath("step_outputs")
	assert.Equal(t, "step_outputs", region)
	assert.Empty(t, key)

	assert.Equal(t, "a.b", JoinPath("a", "", "b"))
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("page_observations.*.rotation"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("*.rotation"))
	assert.Error(t, ValidatePattern("a..b"))
}
