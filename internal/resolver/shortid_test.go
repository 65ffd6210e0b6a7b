package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/folio/internal/archive"
)

func setupArchive(t *testing.T, ids ...string) *archive.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := archive.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	for i, id := range ids {
		rec := &archive.RunRecord{ID: id, Pipeline: "p", Status: archive.RunStatusOK, StartedAt: time.Unix(int64(i), 0)}
		require.NoError(t, client.SaveRun(context.Background(), rec, nil))
	}
	return client
}

func TestResolveRunID(t *testing.T) {
	full := "3f2c9a1e-8b0d-4c7e-9a51-0d2b6f1e4a77"
	client := setupArchive(t,
		full,
		"abc12300-0000-4000-8000-000000000001",
		"abc12399-0000-4000-8000-000000000002",
	)
	ctx := context.Background()

	tests := []struct {
		name     string
		input    string
		want     string
		checkErr func(t *testing.T, err error)
	}{
		{name: "full id", input: full, want: full},
		{name: "unique prefix", input: "3f2c9a", want: full},
		{name: "longer prefix disambiguates", input: "abc12399", want: "abc12399-0000-4000-8000-000000000002"},
		{
			name:  "too short",
			input: "3f2c",
			checkErr: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "at least 6 characters")
			},
		},
		{
			name:  "no match",
			input: "ffffff",
			checkErr: func(t *testing.T, err error) {
				var nf *NotFoundError
				assert.True(t, errors.As(err, &nf))
			},
		},
		{
			name:  "unknown full id",
			input: "00000000-0000-4000-8000-000000000000",
			checkErr: func(t *testing.T, err error) {
				var nf *NotFoundError
				assert.True(t, errors.As(err, &nf))
			},
		},
		{
			name:  "ambiguous",
			input: "abc123",
			checkErr: func(t *testing.T, err error) {
				var amb *AmbiguousError
				require.True(t, errors.As(err, &amb))
				assert.Len(t, amb.Matches, 2)
				assert.Contains(t, amb.Suggestion(), "abc12300-0000-4000-8000-000000000001")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRunID(ctx, client, tt.input)
			if tt.checkErr != nil {
				require.Error(t, err)
				tt.checkErr(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmbiguousSuggestionTruncates(t *testing.T) {
	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, fmt.Sprintf("aaaaaa%02d", i))
	}
	msg := (&AmbiguousError{ShortID: "aaaaaa", Matches: ids}).Suggestion()
	assert.Contains(t, msg, "aaaaaa09")
	assert.NotContains(t, msg, "aaaaaa10")
	assert.True(t, strings.HasSuffix(msg, "...and 2 more"))
}
