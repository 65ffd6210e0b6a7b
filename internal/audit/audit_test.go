package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/folio/internal/archive"
	"github.com/dyluth/folio/pkg/blackboard"
)

func sampleEvents() []blackboard.Event {
	return []blackboard.Event{
		{Seq: 1, Actor: "extract.p1", Region: "page_observations", KeyPath: "1.quality_score", Op: blackboard.OpWrite, Value: 0.9},
		{Seq: 2, Actor: "extract.p2", Region: "page_observations", KeyPath: "2.quality_score", Op: blackboard.OpWrite, Value: 0.4},
		{Seq: 3, Actor: "review", Region: "page_observations", Op: blackboard.OpRead, Found: true},
		{
			Seq: 4, Actor: "title_b", Region: "document_metadata", KeyPath: "title", Op: blackboard.OpWrite, Value: "B",
			Conflict: &blackboard.ConflictNotice{Previous: "A", PreviousWriter: "title_a"},
		},
	}
}

func TestCriteriaMatches(t *testing.T) {
	events := sampleEvents()

	tests := []struct {
		name     string
		criteria Criteria
		want     []uint64
	}{
		{name: "no filters", criteria: Criteria{}, want: []uint64{1, 2, 3, 4}},
		{name: "region glob", criteria: Criteria{RegionGlob: "page_*"}, want: []uint64{1, 2, 3}},
		{name: "path pattern", criteria: Criteria{PathPattern: "page_observations.*.quality_score"}, want: []uint64{1, 2}},
		{name: "actor", criteria: Criteria{Actor: "review"}, want: []uint64{3}},
		{name: "op", criteria: Criteria{Op: blackboard.OpWrite}, want: []uint64{1, 2, 4}},
		{name: "conflicts only", criteria: Criteria{ConflictsOnly: true}, want: []uint64{4}},
		{name: "combined", criteria: Criteria{RegionGlob: "page_*", Op: blackboard.OpRead}, want: []uint64{3}},
		{name: "bad glob matches nothing", criteria: Criteria{RegionGlob: "["}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []uint64
			for _, e := range events {
				if tt.criteria.Matches(e) {
					got = append(got, e.Seq)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCriteriaValidate(t *testing.T) {
	assert.NoError(t, (&Criteria{}).Validate())
	assert.NoError(t, (&Criteria{Op: blackboard.OpRead, RegionGlob: "page_*"}).Validate())
	assert.Error(t, (&Criteria{Op: "delete"}).Validate())
	assert.Error(t, (&Criteria{RegionGlob: "["}).Validate())
	assert.Error(t, (&Criteria{PathPattern: "*.x"}).Validate())

	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{ConflictsOnly: true}).HasFilters())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatDefault, f)

	f, err = ParseFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestFormatEventTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Zero(t, FormatEventTable(&buf, nil, "run-1"))
		assert.Equal(t, "No events found for run 'run-1'\n", buf.String())
	})

	t.Run("rows", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, 4, FormatEventTable(&buf, sampleEvents(), "run-1"))
		out := buf.String()
		assert.Contains(t, out, "page_observations.1.quality_score")
		assert.Contains(t, out, "0.9")
		assert.Contains(t, out, "found")
		assert.Contains(t, out, `! "B"`)
		assert.Contains(t, out, "4 events found")
	})
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		event blackboard.Event
		want  string
	}{
		{name: "read found", event: blackboard.Event{Op: blackboard.OpRead, Found: true}, want: "found"},
		{name: "read missing", event: blackboard.Event{Op: blackboard.OpRead}, want: "-"},
		{name: "object", event: blackboard.Event{Op: blackboard.OpWrite, Value: map[string]any{"a": 1.0}}, want: `{"a":1}`},
		{name: "long", event: blackboard.Event{Op: blackboard.OpWrite, Value: strings.Repeat("x", 60)}, want: `"` + strings.Repeat("x", 36) + "..."},
		{
			name: "rejected",
			event: blackboard.Event{Op: blackboard.OpWrite, Value: "A", Conflict: &blackboard.ConflictNotice{
				Previous: "A", Rejected: true, Attempted: "B",
			}},
			want: `! kept "A"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.event))
		})
	}
}

func TestFormatEventLine(t *testing.T) {
	events := sampleEvents()
	assert.Equal(t, "run 0123abcd #1 write page_observations.1.quality_score by extract.p1 = 0.9",
		FormatEventLine("0123abcd-ffff", events[0]))
	assert.Equal(t, "run 0123abcd #3 read page_observations by review",
		FormatEventLine("0123abcd-ffff", events[2]))
}

func TestFormatJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FormatJSONL(&buf, sampleEvents()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	var e blackboard.Event
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &e))
	assert.Equal(t, "title_a", e.Conflict.PreviousWriter)
}

func TestFormatRunTable(t *testing.T) {
	var buf bytes.Buffer
	assert.Zero(t, FormatRunTable(&buf, nil, "default"))
	assert.Contains(t, buf.String(), "No runs found")

	buf.Reset()
	runs := []*archive.RunRecord{{
		ID:          "0123456789abcdef",
		Pipeline:    "invoice",
		Status:      archive.RunStatusFailed,
		StartedAt:   time.Now().Add(-2 * time.Hour),
		Steps:       []archive.StepRecord{{ID: "extract"}},
		PagesFailed: []int{2, 5},
	}}
	assert.Equal(t, 1, FormatRunTable(&buf, runs, "default"))
	out := buf.String()
	assert.Contains(t, out, "01234567 ")
	assert.Contains(t, out, "2h ago")
	assert.Contains(t, out, "2,5")
	assert.Contains(t, out, "1 run found")
}

func setupTestClient(t *testing.T) *archive.Client {
	mr := miniredis.RunT(t)
	client, err := archive.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestListEvents(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	rec := &archive.RunRecord{ID: "run-1", Pipeline: "invoice", Status: archive.RunStatusOK, StartedAt: time.Now()}
	require.NoError(t, client.SaveRun(ctx, rec, sampleEvents()))

	var buf bytes.Buffer
	require.NoError(t, ListEvents(ctx, client, "run-1", OutputFormatJSONL, &Criteria{Actor: "review"}, &buf))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `"actor":"review"`)

	buf.Reset()
	require.NoError(t, ListEvents(ctx, client, "run-1", OutputFormatDefault, nil, &buf))
	assert.Contains(t, buf.String(), "4 events found")

	err := ListEvents(ctx, client, "missing", OutputFormatDefault, nil, &buf)
	assert.ErrorContains(t, err, "not found")

	err = ListEvents(ctx, client, "run-1", OutputFormatDefault, &Criteria{Op: "delete"}, &buf)
	assert.Error(t, err)
}

func TestListRunsAndShow(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"old", "new"} {
		rec := &archive.RunRecord{ID: id, Pipeline: "p", Status: archive.RunStatusOK, StartedAt: now.Add(time.Duration(i-1) * 24 * time.Hour)}
		require.NoError(t, client.SaveRun(ctx, rec, nil))
	}

	var buf bytes.Buffer
	require.NoError(t, ListRuns(ctx, client, now.Add(-time.Hour), time.Time{}, OutputFormatJSONL, &buf))
	assert.Contains(t, buf.String(), `"id":"new"`)
	assert.NotContains(t, buf.String(), `"id":"old"`)

	buf.Reset()
	require.NoError(t, ShowRun(ctx, client, "old", &buf))
	assert.Contains(t, buf.String(), `"pipeline": "p"`)

	assert.Error(t, ShowRun(ctx, client, "gone", &buf))
}
