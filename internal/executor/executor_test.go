package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/folio/internal/graph"
	"github.com/dyluth/folio/internal/router"
	"github.com/dyluth/folio/pkg/blackboard"
)

// agents is a test Invoker dispatching on the agent id.
type agents map[string]func(ctx context.Context, req Request) (Output, error)

func (a agents) Invoke(ctx context.Context, req Request) (Output, error) {
	fn, ok := a[req.Agent]
	if !ok {
		return Output{}, fmt.Errorf("unknown agent %q", req.Agent)
	}
	return fn(ctx, req)
}

func content(s string) func(context.Context, Request) (Output, error) {
	return func(context.Context, Request) (Output, error) { return Output{Content: s}, nil }
}

func failing(msg string) func(context.Context, Request) (Output, error) {
	return func(context.Context, Request) (Output, error) { return Output{}, errors.New(msg) }
}

func pages(n int) []router.Page {
	out := make([]router.Page, n)
	for i := range out {
		out[i] = router.Page{Number: i + 1, Image: []byte(fmt.Sprintf("page-%d", i+1))}
	}
	return out
}

func mustBuild(t *testing.T, steps ...graph.Step) *graph.Graph {
	t.Helper()
	g, err := graph.Build(steps)
	require.NoError(t, err)
	return g
}

func TestRunSerialPipeline(t *testing.T) {
	var refineReq Request
	inv := agents{
		"ocr": func(_ context.Context, req Request) (Output, error) {
			assert.Equal(t, graph.InputImage, req.Input.Mode)
			assert.Len(t, req.Input.Images, 2)
			assert.Equal(t, []int{1, 2}, req.Pages)
			return Output{
				Content: "raw draft",
				Writes:  []Write{{Path: "document_metadata.language", Value: "en"}},
			}, nil
		},
		"cleanup": func(_ context.Context, req Request) (Output, error) {
			refineReq = req
			return Output{Content: "clean draft"}, nil
		},
	}

	g := mustBuild(t,
		graph.Step{ID: "draft", Writes: []string{"document_metadata.language"}, Body: graph.Single{Agent: "ocr"}},
		graph.Step{ID: "refine", Input: graph.InputPrevious, Reads: []string{"document_metadata.language"}, Body: graph.Single{Agent: "cleanup"}},
	)

	res, err := New(inv).Run(context.Background(), g, pages(2), nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "clean draft", res.Content, "consumed drafts are not repeated in the final content")

	assert.Equal(t, "raw draft", refineReq.Input.Previous)
	assert.Empty(t, refineReq.Input.Images)
	lang, ok := refineReq.View.Get("document_metadata.language")
	require.True(t, ok)
	assert.Equal(t, "en", lang)

	expected := blackboard.New()
	require.NoError(t, expected.Write(blackboard.RegionDocumentMetadata, "language", "en", "anyone"))
	assert.Equal(t, expected.SnapshotHash("document_metadata.language"), res.Steps["refine"].SnapshotHash)

	out, err := res.Board.Read(blackboard.RegionStepOutputs, "draft", "test")
	require.NoError(t, err)
	assert.Equal(t, "raw draft", out)
	assert.Equal(t, 1, res.Steps["draft"].Writes)
}

func TestRunConditions(t *testing.T) {
	build := func(t *testing.T) *graph.Graph {
		return mustBuild(t,
			graph.Step{ID: "classify", Writes: []string{"document_metadata.content_types"}, Body: graph.Single{Agent: "classify"}},
			graph.Step{ID: "handwriting", Condition: `contains(document_metadata.content_types, "handwriting")`, Body: graph.Single{Agent: "hw"}},
			graph.Step{ID: "assemble", Input: graph.InputPrevious, Body: graph.Single{Agent: "assemble"}},
		)
	}
	classifyAs := func(types ...string) func(context.Context, Request) (Output, error) {
		if types == nil {
			types = []string{}
		}
		return func(context.Context, Request) (Output, error) {
			return Output{Content: "text", Writes: []Write{{Path: "document_metadata.content_types", Value: types}}}, nil
		}
	}
	var assembled string
	assemble := func(_ context.Context, req Request) (Output, error) {
		assembled = req.Input.Previous
		return Output{Content: "final"}, nil
	}

	t.Run("condition true runs the step", func(t *testing.T) {
		inv := agents{"classify": classifyAs("text", "handwriting"), "hw": content("handwritten"), "assemble": assemble}
		res, err := New(inv).Run(context.Background(), build(t), pages(1), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status("handwriting"))
		assert.Equal(t, "handwritten", assembled)
	})

	t.Run("condition false skips the step and dependents proceed", func(t *testing.T) {
		inv := agents{"classify": classifyAs(), "hw": failing("must not run"), "assemble": assemble}
		res, err := New(inv).Run(context.Background(), build(t), pages(1), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Status("handwriting"))
		assert.Equal(t, StatusCompleted, res.Status("assemble"))
		assert.Equal(t, "text", assembled, "skipped steps pass their own input on")
		assert.Equal(t, "final", res.Content)
	})

	t.Run("condition error skips the step", func(t *testing.T) {
		inv := agents{"classify": content("no metadata"), "hw": failing("must not run"), "assemble": assemble}
		res, err := New(inv).Run(context.Background(), build(t), pages(1), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Status("handwriting"))
	})
}

func TestRunParallelGroup(t *testing.T) {
	t.Run("failing sub-step discards every branch", func(t *testing.T) {
		inv := agents{
			"a": func(context.Context, Request) (Output, error) {
				return Output{Content: "A", Writes: []Write{{Path: "agent_notes.a.seen", Value: true}}}, nil
			},
			"b": func(context.Context, Request) (Output, error) {
				return Output{Content: "B", Writes: []Write{{Path: "agent_notes.b.seen", Value: true}}}, nil
			},
			"c":     failing("model unavailable"),
			"after": content("after"),
			"other": content("other"),
		}
		g := mustBuild(t,
			graph.Step{ID: "extract", Body: graph.Parallel{Steps: []graph.Step{
				{ID: "A", Writes: []string{"agent_notes.a"}, Body: graph.Single{Agent: "a"}},
				{ID: "B", Writes: []string{"agent_notes.b"}, Body: graph.Single{Agent: "b"}},
				{ID: "C", Body: graph.Single{Agent: "c"}},
			}}},
			graph.Step{ID: "after", Body: graph.Single{Agent: "after"}},
			graph.Step{ID: "other", DependsOn: graph.Independent(), Body: graph.Single{Agent: "other"}},
		)

		res, err := New(inv).Run(context.Background(), g, pages(1), nil)
		require.Error(t, err)
		var failed *StepFailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, "extract", failed.StepID)

		assert.Equal(t, StatusFailed, res.Status("extract"))
		assert.Equal(t, StatusFailed, res.Status("C"))
		assert.Equal(t, StatusCancelled, res.Status("A"))
		assert.Equal(t, StatusCancelled, res.Status("B"))
		assert.Equal(t, StatusFailedUpstream, res.Status("after"))
		assert.ErrorIs(t, res.Steps["after"].Err, ErrUpstreamFailed)
		assert.Equal(t, StatusCompleted, res.Status("other"))
		assert.Equal(t, []string{"extract", "after"}, res.Failed())

		for _, key := range []string{"a", "b"} {
			_, err := res.Board.Read(blackboard.RegionAgentNotes, key, "test")
			assert.ErrorIs(t, err, blackboard.ErrNotFound)
		}
		_, err = res.Board.Read(blackboard.RegionStepOutputs, "A", "test")
		assert.ErrorIs(t, err, blackboard.ErrNotFound)
		assert.Equal(t, "other", res.Content)
	})

	t.Run("overwrite collision keeps the later sub-step", func(t *testing.T) {
		writeLang := func(lang string) func(context.Context, Request) (Output, error) {
			return func(context.Context, Request) (Output, error) {
				return Output{Content: lang, Writes: []Write{{Path: "document_metadata.language", Value: lang}}}, nil
			}
		}
		g := mustBuild(t,
			graph.Step{ID: "detect", Body: graph.Parallel{Steps: []graph.Step{
				{ID: "A", Writes: []string{"document_metadata.language"}, Body: graph.Single{Agent: "a"}},
				{ID: "B", Writes: []string{"document_metadata.language"}, Body: graph.Single{Agent: "b"}},
			}}},
		)

		res, err := New(agents{"a": writeLang("en"), "b": writeLang("de")}).Run(context.Background(), g, pages(1), nil)
		require.NoError(t, err)

		v, err := res.Board.Read(blackboard.RegionDocumentMetadata, "language", "test")
		require.NoError(t, err)
		assert.Equal(t, "de", v)

		group := res.Steps["detect"]
		require.Len(t, group.Conflicts, 1)
		assert.Equal(t, "B", group.Conflicts[0].Winner)
		assert.Equal(t, "A", group.Conflicts[0].Loser)
		assert.Equal(t, "en\n\nde", group.Content)
		assert.Equal(t, "en\n\nde", res.Content)
	})

	t.Run("sub-steps do not observe each other", func(t *testing.T) {
		var seen atomic.Bool
		inv := agents{
			"writer": func(context.Context, Request) (Output, error) {
				return Output{Writes: []Write{{Path: "document_metadata.layout", Value: "two-column"}}}, nil
			},
			"reader": func(_ context.Context, req Request) (Output, error) {
				_, ok := req.View.Get("document_metadata.layout")
				seen.Store(ok)
				return Output{}, nil
			},
		}
		g := mustBuild(t,
			graph.Step{ID: "group", Body: graph.Parallel{Steps: []graph.Step{
				{ID: "w", Writes: []string{"document_metadata.layout"}, Body: graph.Single{Agent: "writer"}},
				{ID: "r", Reads: []string{"document_metadata.layout"}, Body: graph.Single{Agent: "reader"}},
			}}},
		)
		_, err := New(inv, WithLimits(Limits{MaxSubsteps: 1})).Run(context.Background(), g, pages(1), nil)
		require.NoError(t, err)
		assert.False(t, seen.Load())
	})
}

func TestRunPageRoute(t *testing.T) {
	var mu sync.Mutex
	calls := map[string][]int{}
	record := func(name string) func(context.Context, Request) (Output, error) {
		return func(_ context.Context, req Request) (Output, error) {
			mu.Lock()
			calls[req.Unit] = req.Pages
			mu.Unlock()
			assert.Equal(t, len(req.Pages), len(req.Input.Images))
			return Output{Content: fmt.Sprintf("%s%v", name, req.Pages)}, nil
		}
	}

	board := blackboard.New()
	require.NoError(t, board.Write(blackboard.RegionPageObservations, "3.continues_on_next_page", true, "layout"))

	g := mustBuild(t, graph.Step{ID: "extract", Body: graph.PageRoute{Router: router.Spec{
		Rules:        []router.Rule{{Pages: router.Selector{"3", "4"}, Agent: "table_extract"}},
		DefaultAgent: "text_extract",
	}}})

	res, err := New(agents{"table_extract": record("table"), "text_extract": record("text")}).Run(context.Background(), g, pages(4), board)
	require.NoError(t, err)

	step := res.Steps["extract"]
	require.Len(t, step.Units, 3)
	assert.Equal(t, []int{3, 4}, step.Units[2].Pages)
	assert.Equal(t, "table_extract", step.Units[2].Agent)
	assert.Equal(t, "extract.p3-4", step.Units[2].ID)
	assert.Equal(t, []int{3, 4}, calls["extract.p3-4"])
	assert.Equal(t, "text[1]\n\ntext[2]\n\ntable[3 4]", res.Content)
	assert.Equal(t, "text[1]", step.PageContents[1])
	assert.Empty(t, res.PagesFailed)
}

func TestRunPageRoutePartialFailure(t *testing.T) {
	inv := agents{
		"text": func(_ context.Context, req Request) (Output, error) {
			if req.Pages[0] == 2 {
				return Output{}, errors.New("timeout")
			}
			return Output{Content: fmt.Sprintf("p%d", req.Pages[0])}, nil
		},
	}
	g := mustBuild(t, graph.Step{ID: "extract", Body: graph.PageRoute{Router: router.Spec{DefaultAgent: "text"}}})

	res, err := New(inv).Run(context.Background(), g, pages(3), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status("extract"))
	assert.Equal(t, []int{2}, res.PagesFailed)
	assert.Equal(t, "p1\n\np3", res.Content)

	all := agents{"text": failing("down")}
	res, err = New(all).Run(context.Background(), g, pages(2), nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status("extract"))
	assert.Equal(t, []int{1, 2}, res.PagesFailed)
}

func TestRunWriteAuthorization(t *testing.T) {
	inv := agents{"meta": func(context.Context, Request) (Output, error) {
		return Output{
			Content: "ok",
			Writes: []Write{
				{Path: "document_metadata.language", Value: "en"},
				{Path: "document_metadata.layout", Value: "single"},
				{Path: "document_metadata.page_count", Value: "many"},
			},
		}, nil
	}}
	g := mustBuild(t, graph.Step{
		ID:     "meta",
		Writes: []string{"document_metadata.language", "document_metadata.page_count"},
		Body:   graph.Single{Agent: "meta"},
	})

	res, err := New(inv).Run(context.Background(), g, pages(1), nil)
	require.NoError(t, err)
	step := res.Steps["meta"]
	assert.Equal(t, StatusCompleted, step.Status)
	assert.Equal(t, 1, step.Writes)
	require.Len(t, step.Rejected, 2)
	assert.Contains(t, step.Rejected[0].Error(), "not authorized")
	assert.True(t, blackboard.IsSchemaViolation(step.Rejected[1]))

	_, err = res.Board.Read(blackboard.RegionDocumentMetadata, "layout", "test")
	assert.ErrorIs(t, err, blackboard.ErrNotFound)
}

func TestRunConfidenceWriteBack(t *testing.T) {
	score := 0.82
	inv := agents{"ocr": func(context.Context, Request) (Output, error) {
		return Output{Content: "text", Confidence: &score}, nil
	}}
	g := mustBuild(t, graph.Step{ID: "ocr", Body: graph.Single{Agent: "ocr"}})

	res, err := New(inv).Run(context.Background(), g, pages(1), nil)
	require.NoError(t, err)
	v, err := res.Board.Read(blackboard.RegionConfidenceSignals, "ocr.invoker", "test")
	require.NoError(t, err)
	assert.Equal(t, 0.82, v)
	require.NotNil(t, res.Steps["ocr"].Confidence)
}

func TestRunDeterministicStep(t *testing.T) {
	transforms := InvokerFunc(func(_ context.Context, req Request) (Output, error) {
		assert.Equal(t, "upper", req.Agent)
		assert.Equal(t, map[string]any{"keep": true}, req.Params)
		return Output{Content: "[" + req.Input.Previous + "]"}, nil
	})
	g := mustBuild(t,
		graph.Step{ID: "ocr", Body: graph.Single{Agent: "ocr"}},
		graph.Step{ID: "post", Input: graph.InputPrevious, Body: graph.Deterministic{Transform: "upper", Params: map[string]any{"keep": true}}},
	)

	res, err := New(agents{"ocr": content("text")}, WithTransforms(transforms)).Run(context.Background(), g, pages(1), nil)
	require.NoError(t, err)
	assert.Equal(t, "[text]", res.Content)

	_, err = New(agents{"ocr": content("text")}).Run(context.Background(), g, pages(1), nil)
	require.Error(t, err, "deterministic steps need a transform invoker")
}

func TestRunPreviousOutputs(t *testing.T) {
	var got map[string]string
	inv := agents{
		"a": content("alpha"),
		"b": content("beta"),
		"merge": func(_ context.Context, req Request) (Output, error) {
			got = req.Input.PreviousOutputs
			return Output{Content: "merged"}, nil
		},
	}
	g := mustBuild(t,
		graph.Step{ID: "a", DependsOn: graph.Independent(), Body: graph.Single{Agent: "a"}},
		graph.Step{ID: "b", DependsOn: graph.Independent(), Body: graph.Single{Agent: "b"}},
		graph.Step{ID: "merge", DependsOn: graph.After("a", "b"), Input: graph.InputPreviousOutputs, Body: graph.Single{Agent: "merge"}},
	)

	res, err := New(inv).Run(context.Background(), g, pages(1), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "alpha", "b": "beta"}, got)
	assert.Equal(t, "merged", res.Content)
}

func TestRunConcurrencyLimits(t *testing.T) {
	t.Run("independent steps run together", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		barrier := func(ctx context.Context, _ Request) (Output, error) {
			wg.Done()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
				return Output{}, nil
			case <-time.After(5 * time.Second):
				return Output{}, errors.New("steps did not overlap")
			}
		}
		g := mustBuild(t,
			graph.Step{ID: "a", DependsOn: graph.Independent(), Writes: []string{"agent_notes.a"}, Body: graph.Single{Agent: "x"}},
			graph.Step{ID: "b", DependsOn: graph.Independent(), Writes: []string{"agent_notes.b"}, Body: graph.Single{Agent: "x"}},
		)
		_, err := New(agents{"x": barrier}, WithLimits(Limits{MaxSteps: 2})).Run(context.Background(), g, pages(1), nil)
		require.NoError(t, err)
	})

	t.Run("conflicting steps never overlap", func(t *testing.T) {
		var active, peak atomic.Int32
		track := func(context.Context, Request) (Output, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return Output{}, nil
		}
		g := mustBuild(t,
			graph.Step{ID: "a", DependsOn: graph.Independent(), Writes: []string{"document_metadata.layout"}, Body: graph.Single{Agent: "x"}},
			graph.Step{ID: "b", DependsOn: graph.Independent(), Reads: []string{"document_metadata"}, Body: graph.Single{Agent: "x"}},
			graph.Step{ID: "c", DependsOn: graph.Independent(), Writes: []string{"document_metadata.layout"}, Body: graph.Single{Agent: "x"}},
		)
		_, err := New(agents{"x": track}, WithLimits(Limits{MaxSteps: 3})).Run(context.Background(), g, pages(1), nil)
		require.NoError(t, err)
		assert.Equal(t, int32(1), peak.Load())
	})
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := agents{
		"first": func(context.Context, Request) (Output, error) {
			cancel()
			return Output{Content: "first"}, nil
		},
		"second": failing("must not run"),
	}
	g := mustBuild(t,
		graph.Step{ID: "first", Body: graph.Single{Agent: "first"}},
		graph.Step{ID: "second", Body: graph.Single{Agent: "second"}},
	)

	res, err := New(inv).Run(ctx, g, pages(1), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCompleted, res.Status("first"))
	assert.Equal(t, StatusCancelled, res.Status("second"))
}

type recordingSink struct {
	runs []*Result
}

func (s *recordingSink) RecordRun(_ context.Context, res *Result) error {
	s.runs = append(s.runs, res)
	return nil
}

func TestRunEventSink(t *testing.T) {
	sink := &recordingSink{}
	g := mustBuild(t, graph.Step{ID: "ocr", Body: graph.Single{Agent: "ocr"}})
	res, err := New(agents{"ocr": content("x")}, WithEventSink(sink)).Run(context.Background(), g, pages(1), nil)
	require.NoError(t, err)
	require.Len(t, sink.runs, 1)
	assert.Same(t, res, sink.runs[0])
	assert.NotEmpty(t, res.Events())
}

func TestRunRejectsBadPages(t *testing.T) {
	g := mustBuild(t, graph.Step{ID: "ocr", Body: graph.Single{Agent: "ocr"}})
	_, err := New(agents{}).Run(context.Background(), g, []router.Page{{Number: 1}, {Number: 1}}, nil)
	assert.Error(t, err)
	_, err = New(agents{}).Run(context.Background(), g, []router.Page{{Number: 0}}, nil)
	assert.Error(t, err)
}
