package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

func TestAssemble_RanksAndCapsHighlights(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	insights := []types.Insight{
		{ID: "1", Title: "old plain", CreatedAt: now.AddDate(0, 0, -6)},
		{ID: "2", Title: "new rich", Summary: "s", Tags: []string{"go"}, URL: "https://x", CreatedAt: now.Add(-time.Hour)},
		{ID: "3", Title: "mid", Summary: "s", CreatedAt: now.AddDate(0, 0, -2)},
		{ID: "4", Title: "another", CreatedAt: now.AddDate(0, 0, -5)},
	}

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, insights, nil, windowStart, now, types.NoActivitySkip, now)

	require.Len(t, payload.Sections.Highlights, 3)
	assert.Equal(t, "2", payload.Sections.Highlights[0].ID, "richest + most recent insight should rank first")
	assert.False(t, payload.Metadata.Skipped)
}

func TestAssemble_NoActivitySkipPolicy(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, nil, nil, windowStart, now, types.NoActivitySkip, now)

	assert.True(t, payload.Metadata.Skipped)
	assert.Equal(t, "no_activity", payload.Metadata.Reason)
	assert.Empty(t, payload.Sections.Suggestions)
}

func TestAssemble_NoActivityBriefPolicy(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, nil, nil, windowStart, now, types.NoActivityBrief, now)

	assert.False(t, payload.Metadata.Skipped)
	assert.True(t, payload.Metadata.BriefMode)
	require.Len(t, payload.Sections.Suggestions, 1)
	assert.Empty(t, payload.Sections.Highlights)
}

func TestAssemble_NoActivitySuggestionsPolicy(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, nil, nil, windowStart, now, types.NoActivitySuggestions, now)

	assert.True(t, payload.Metadata.SuggestionsMode)
	assert.NotEmpty(t, payload.Sections.Suggestions)
}

func TestAssemble_LowActivitySuggestsEvenWithSomeContent(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	insights := []types.Insight{
		{ID: "1", Title: "only one", CreatedAt: now.Add(-time.Hour)},
	}

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, insights, nil, windowStart, now, types.NoActivitySkip, now)

	assert.True(t, payload.Metadata.SuggestionsMode)
	assert.NotEmpty(t, payload.Sections.Suggestions)
}

func TestAssemble_HealthyActivityNoSuggestions(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	insights := make([]types.Insight, 0, 5)
	for i := 0; i < 5; i++ {
		insights = append(insights, types.Insight{
			ID:        string(rune('a' + i)),
			Title:     "insight",
			Summary:   "summary",
			Tags:      []string{"go"},
			CreatedAt: now.AddDate(0, 0, -i),
		})
	}
	stacks := []types.Stack{{ID: "s1", Name: "stack one"}, {ID: "s2", Name: "stack two"}}

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, insights, stacks, windowStart, now, types.NoActivitySkip, now)

	assert.False(t, payload.Metadata.SuggestionsMode)
	assert.Empty(t, payload.Sections.Suggestions)
}

func TestAssemble_RecentInsightsCountsLastThreeDays(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -7)

	insights := []types.Insight{
		{ID: "1", Title: "fresh", CreatedAt: now.Add(-time.Hour)},
		{ID: "2", Title: "also fresh", CreatedAt: now.AddDate(0, 0, -2)},
		{ID: "3", Title: "stale", CreatedAt: now.AddDate(0, 0, -6)},
	}

	a := NewAssembler()
	payload := a.Assemble(types.DigestUser{UserID: "u1"}, insights, nil, windowStart, now, types.NoActivitySkip, now)

	assert.Equal(t, 2, payload.ActivitySummary.RecentInsights)
}

func TestAssembleFallback_MarksError(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	payload := AssembleFallback(types.DigestUser{UserID: "u1"}, now.AddDate(0, 0, -7), now, "content_generation_failed", now)

	assert.True(t, payload.Metadata.Error)
	assert.Equal(t, "content_generation_failed", payload.Metadata.Reason)
}
