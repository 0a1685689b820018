// Package content builds a DigestPayload out of a user's activity
// window: scored highlights, compact links, recently updated stacks,
// and nudge suggestions for low-engagement weeks.
package content

import (
	"sort"
	"time"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

const (
	maxHighlights  = 3
	maxMoreContent = 7
	maxStacks      = 5
	maxSuggestions = 5
)

// Assembler builds DigestPayloads from raw activity.
type Assembler struct{}

// NewAssembler constructs an Assembler. It is stateless.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// scoredInsight pairs an insight with its computed rank score.
type scoredInsight struct {
	insight types.Insight
	score   float64
}

// score ranks an insight: base 1.0 if titled, plus completeness and
// recency bonuses. Deterministic, so the same inputs always produce
// the same ordering.
func score(in types.Insight, now time.Time) float64 {
	var s float64
	if in.Title != "" {
		s += 1.0
	}
	if in.Summary != "" {
		s += 2.0
	}
	if len(in.Tags) > 0 {
		s += 1.0
	}
	if in.URL != "" {
		s += 1.0
	}

	age := now.Sub(in.CreatedAt)
	switch {
	case age < 24*time.Hour:
		s += 3.0
	case age < 3*24*time.Hour:
		s += 2.0
	case age < 7*24*time.Hour:
		s += 1.0
	}
	return s
}

// Assemble builds the payload for one user over [windowStart, windowEnd).
// An empty window falls into the user's no-activity policy handling
// instead of full content.
func (a *Assembler) Assemble(
	user types.DigestUser,
	insights []types.Insight,
	stacks []types.Stack,
	windowStart, windowEnd time.Time,
	policy types.NoActivityPolicy,
	now time.Time,
) types.DigestPayload {
	summary := buildActivitySummary(insights, stacks, windowEnd)

	if len(insights) == 0 && len(stacks) == 0 {
		return noActivityPayload(user, summary, windowStart, windowEnd, policy, now)
	}

	scored := make([]scoredInsight, 0, len(insights))
	for _, in := range insights {
		scored = append(scored, scoredInsight{insight: in, score: score(in, now)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		// Tie-break: more recently created wins.
		return scored[i].insight.CreatedAt.After(scored[j].insight.CreatedAt)
	})

	highlights := make([]types.HighlightItem, 0, maxHighlights)
	more := make([]types.MoreItem, 0, maxMoreContent)
	for i, si := range scored {
		switch {
		case i < maxHighlights:
			highlights = append(highlights, types.HighlightItem{
				ID:       si.insight.ID,
				Title:    si.insight.Title,
				Subtitle: si.insight.Description,
				Summary:  si.insight.Summary,
				ImageURL: si.insight.ImageURL,
				URL:      si.insight.URL,
				Tags:     si.insight.Tags,
				Score:    si.score,
			})
		case i < maxHighlights+maxMoreContent:
			more = append(more, types.MoreItem{
				Title: si.insight.Title,
				URL:   si.insight.URL,
				Tags:  si.insight.Tags,
			})
		}
	}

	stackItems := make([]types.StackItem, 0, maxStacks)
	sortedStacks := append([]types.Stack(nil), stacks...)
	sort.Slice(sortedStacks, func(i, j int) bool {
		return sortedStacks[i].UpdatedAt.After(sortedStacks[j].UpdatedAt)
	})
	for i, st := range sortedStacks {
		if i >= maxStacks {
			break
		}
		stackItems = append(stackItems, types.StackItem{ID: st.ID, Name: st.Name, ItemCount: st.ItemCount})
	}

	var suggestions []types.Suggestion
	meta := types.Metadata{
		GeneratedAt: now,
		WeekStart:   windowStart,
		WeekEnd:     windowEnd,
	}
	if needsSuggestions(summary, len(sortedStacks)) {
		meta.SuggestionsMode = true
		suggestions = lowEngagementSuggestions(summary, len(sortedStacks))
	}

	return types.DigestPayload{
		User:            user,
		ActivitySummary: summary,
		Sections: types.Sections{
			Highlights:  highlights,
			MoreContent: more,
			Stacks:      stackItems,
			Suggestions: suggestions,
		},
		Metadata: meta,
	}
}

// needsSuggestions decides whether the user would benefit from nudges
// even though they have some activity: no stacks, mostly untagged
// insights, or very low overall activity.
func needsSuggestions(summary types.ActivitySummary, stackCount int) bool {
	if stackCount == 0 {
		return true
	}
	if summary.TotalInsights > 0 && summary.InsightsWithTags*2 < summary.TotalInsights {
		return true
	}
	return summary.TotalInsights < 3
}

// lowEngagementSuggestions picks which nudges apply given why
// needsSuggestions fired, capped at maxSuggestions.
func lowEngagementSuggestions(summary types.ActivitySummary, stackCount int) []types.Suggestion {
	out := make([]types.Suggestion, 0, maxSuggestions)
	if stackCount == 0 {
		out = append(out, types.Suggestion{Text: "Create a stack to group this week's insights together."})
	}
	if summary.TotalInsights > 0 && summary.InsightsWithTags*2 < summary.TotalInsights {
		out = append(out, types.Suggestion{Text: "Add tags to your recent insights to make them easier to find later."})
	}
	if summary.TotalInsights < 3 {
		out = append(out, types.Suggestion{Text: "Save a few more links or notes this week to get a richer digest."})
	}
	return out
}

// noActivityPayload builds the reduced payload for a window with no
// insights or stacks, branching on the user's NoActivityPolicy.
func noActivityPayload(user types.DigestUser, summary types.ActivitySummary, windowStart, windowEnd time.Time, policy types.NoActivityPolicy, now time.Time) types.DigestPayload {
	meta := types.Metadata{
		GeneratedAt: now,
		WeekStart:   windowStart,
		WeekEnd:     windowEnd,
		Skipped:     policy == types.NoActivitySkip,
		BriefMode:   policy == types.NoActivityBrief,
	}
	if meta.Skipped {
		meta.Reason = "no_activity"
	}

	sections := types.Sections{}
	switch policy {
	case types.NoActivityBrief:
		sections.Suggestions = []types.Suggestion{
			{Text: "Quiet week? Save one thing that caught your eye and it will show up here next Monday."},
		}
	case types.NoActivitySuggestions:
		meta.SuggestionsMode = true
		sections.Suggestions = defaultSuggestions()
	}

	return types.DigestPayload{
		User:            user,
		ActivitySummary: summary,
		Sections:        sections,
		Metadata:        meta,
	}
}

func defaultSuggestions() []types.Suggestion {
	out := make([]types.Suggestion, 0, maxSuggestions)
	for _, t := range []string{
		"Save an article or link you read this week to start building your digest.",
		"Create a stack to group related insights together.",
		"Add a tag to your next saved insight to make it easier to find later.",
	} {
		out = append(out, types.Suggestion{Text: t})
	}
	return out
}

// buildActivitySummary computes window totals; "recent" means created
// within the last three days of the window.
func buildActivitySummary(insights []types.Insight, stacks []types.Stack, windowEnd time.Time) types.ActivitySummary {
	var s types.ActivitySummary
	s.TotalInsights = len(insights)
	s.TotalStacks = len(stacks)
	for _, in := range insights {
		if in.URL != "" {
			s.URLInsights++
		} else {
			s.TextInsights++
		}
		if in.Summary != "" {
			s.InsightsWithSummary++
		}
		if len(in.Tags) > 0 {
			s.InsightsWithTags++
		}
		if windowEnd.Sub(in.CreatedAt) < 3*24*time.Hour {
			s.RecentInsights++
		}
	}
	if s.TotalInsights > 0 {
		s.EngagementScore = (float64(s.InsightsWithSummary) + float64(s.InsightsWithTags)) / float64(2*s.TotalInsights)
	}
	return s
}

// AssembleFallback returns the minimal payload used when content
// assembly itself fails; the orchestrator uses this to keep the digest
// record moving instead of aborting the sweep.
func AssembleFallback(user types.DigestUser, windowStart, windowEnd time.Time, reason string, now time.Time) types.DigestPayload {
	return types.DigestPayload{
		User: user,
		Metadata: types.Metadata{
			GeneratedAt: now,
			WeekStart:   windowStart,
			WeekEnd:     windowEnd,
			Error:       true,
			Reason:      reason,
		},
	}
}
