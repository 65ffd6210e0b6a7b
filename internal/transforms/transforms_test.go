package transforms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

func TestStripPageNumbers(t *testing.T) {
	in := "# Report\nPage 3\nBody text\n- 4 -\n12\nTotal 12 items"
	assert.Equal(t, "# Report\nBody text\nTotal 12 items", StripPageNumbers(in))
}

func TestNormalizeHeadings(t *testing.T) {
	in := "#Title\ntext\n### Deep\nmore"
	assert.Equal(t, "# Title\n\ntext\n\n## Deep\n\nmore", NormalizeHeadings(in))
}

func TestFixTableAlignment(t *testing.T) {
	in := "Intro\n| a | bb |\n|--|--|\n| ccc | d |\nOutro"
	want := "Intro\n| a   | bb  |\n| --- | --- |\n| ccc | d   |\nOutro"
	assert.Equal(t, want, FixTableAlignment(in))
}

func TestDeduplicateContent(t *testing.T) {
	in := "first\n\nsecond\n\n\nfirst\n\nthird"
	assert.Equal(t, "first\n\nsecond\n\nthird", DeduplicateContent(in))
}

func TestStripArtifacts(t *testing.T) {
	in := "Text\n--- Page 2 ---\n\n\n\n[image]\nMore<|endoftext|>"
	assert.Equal(t, "Text\n\nMore", StripArtifacts(in))
}

func TestAddFrontmatter(t *testing.T) {
	out, err := AddFrontmatter("body", map[string]any{"title": "Q3 report", "pages": 4})
	require.NoError(t, err)
	assert.Equal(t, "---\npages: 4\ntitle: Q3 report\n---\n\nbody", out)

	out, err = AddFrontmatter("---\ntitle: x\n---\nbody", map[string]any{"title": "y"})
	require.NoError(t, err)
	assert.Equal(t, "---\ntitle: x\n---\nbody", out)
}

func TestDetectContinuation(t *testing.T) {
	tests := map[string]bool{
		"A full sentence.":          false,
		"and the list continues":    true,
		"| 1 | 2 |":                 true,
		"She said \"done\"":         false,
		"":                          false,
		"ends with a question?\n\n": false,
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectContinuation(in), in)
	}
}

func TestCountTables(t *testing.T) {
	md := "| a | b |\n|---|---|\n| 1 | 2 |\n\ntext\n\n| c |\n| :-: |\n| 3 |"
	assert.Equal(t, 2, CountTables(md))
	assert.Zero(t, CountTables("no tables here"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Has("strip_page_numbers"))
	assert.Contains(t, r.Names(), "count_tables")

	assert.Error(t, r.Register("count_tables", Text(func(md string, _ map[string]any) (string, error) { return md, nil })))
	require.NoError(t, r.Register("shout", Text(func(md string, _ map[string]any) (string, error) { return md + "!", nil })))

	out, err := r.Invoke(context.Background(), executor.Request{Agent: "shout", Input: executor.Input{Previous: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi!", out.Content)

	_, err = r.Invoke(context.Background(), executor.Request{Agent: "missing"})
	assert.Error(t, err)
}

func TestPageWriter(t *testing.T) {
	r := NewRegistry()
	out, err := r.Invoke(context.Background(), executor.Request{
		Agent: "detect_continuations",
		Pages: []int{1, 2, 3},
		Input: executor.Input{
			Previous:      "whole",
			PreviousPages: map[int]string{1: "ends mid", 2: "A sentence."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "whole", out.Content)
	assert.Equal(t, []executor.Write{
		{Path: "page_observations.1.continues_on_next_page", Value: true},
		{Path: "page_observations.2.continues_on_next_page", Value: false},
	}, out.Writes)

	out, err = r.Invoke(context.Background(), executor.Request{
		Agent: "count_tables",
		Pages: []int{4},
		Input: executor.Input{Previous: "|---|"},
	})
	require.NoError(t, err)
	assert.Equal(t, []executor.Write{{Path: "page_observations.4.table_count", Value: 1}}, out.Writes)
}

// Continuation flags derived from per-page extraction output land on the Board.
func TestTransformsInPipeline(t *testing.T) {
	agent := executor.InvokerFunc(func(_ context.Context, req executor.Request) (executor.Output, error) {
		switch req.Pages[0] {
		case 1:
			return executor.Output{Content: "The table starts\n| a | b |"}, nil
		case 2:
			return executor.Output{Content: "| c | d |\nEnd of table."}, nil
		}
		return executor.Output{Content: "Closing page."}, nil
	})

	g, err := graph.Build([]graph.Step{
		{ID: "extract", Body: graph.PageRoute{Router: router.Spec{DefaultAgent: "vlm"}}},
		{
			ID:     "continuations",
			Input:  graph.InputPrevious,
			Writes: []string{"page_observations.*.continues_on_next_page"},
			Body:   graph.Deterministic{Transform: "detect_continuations"},
		},
		{ID: "clean", Input: graph.InputPrevious, Body: graph.Deterministic{Transform: "strip_page_numbers"}},
	})
	require.NoError(t, err)

	pages := []router.Page{{Number: 1}, {Number: 2}, {Number: 3}}
	res, err := executor.New(agent, executor.WithTransforms(NewRegistry())).Run(context.Background(), g, pages, nil)
	require.NoError(t, err)

	v, err := res.Board.Read(blackboard.RegionPageObservations, "1.continues_on_next_page", "test")
	require.NoError(t, err)
	assert.Equal(t, true, v)
	v, err = res.Board.Read(blackboard.RegionPageObservations, "2.continues_on_next_page", "test")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	assert.Equal(t, "The table starts\n| a | b |\n\n| c | d |\nEnd of table.\n\nClosing page.", res.Content)
}
