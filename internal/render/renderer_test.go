package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

func samplePayload() types.DigestPayload {
	return types.DigestPayload{
		User: types.DigestUser{UserID: "u1", DisplayName: "Ada", Email: "ada@example.com"},
		ActivitySummary: types.ActivitySummary{TotalInsights: 2},
		Sections: types.Sections{
			Highlights: []types.HighlightItem{{ID: "1", Title: "Go generics", Summary: "a deep dive", Tags: []string{"go"}}},
		},
		Metadata: types.Metadata{GeneratedAt: time.Date(2025, 9, 10, 9, 0, 0, 0, time.UTC)},
	}
}

func TestRenderInline_ProducesSubjectHTMLAndText(t *testing.T) {
	r, err := New(ModeInline, "https://app.example.com", "https://app.example.com/unsubscribe")
	require.NoError(t, err)

	msg, err := r.RenderInline(samplePayload(), "tok123")
	require.NoError(t, err)

	assert.Equal(t, "Your Weekly Digest — 2 new insights", msg.Subject)
	assert.Contains(t, msg.HTML, "Go generics")
	assert.Contains(t, msg.HTML, "tok123")
	assert.Contains(t, msg.Text, "Go generics")
}

func TestRenderInline_SkippedSubject(t *testing.T) {
	r, err := New(ModeInline, "https://app.example.com", "https://app.example.com/unsubscribe")
	require.NoError(t, err)

	payload := samplePayload()
	payload.Sections = types.Sections{}
	payload.ActivitySummary.TotalInsights = 0
	payload.Metadata.Skipped = true

	msg, err := r.RenderInline(payload, "tok")
	require.NoError(t, err)
	assert.Equal(t, "Your Weekly Digest", msg.Subject)
}

func TestRenderTemplateParams_IncludesParamsBlock(t *testing.T) {
	r, err := New(ModeTemplateParams, "https://app.example.com", "https://app.example.com/unsubscribe")
	require.NoError(t, err)

	params := r.RenderTemplateParams(samplePayload(), "tok123")
	inner, ok := params["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"go"}, inner["tags"])
	assert.Contains(t, inner["unsubscribe_url"], "tok123")
}
