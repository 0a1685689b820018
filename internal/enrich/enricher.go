// Package enrich adds a best-effort AI summary on top of an assembled
// DigestPayload. Any failure (missing key, timeout, malformed
// response) falls back to a deterministic template built from the
// payload itself; enrichment never fails a digest.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second
	maxBullets     = 3
	maxBulletRunes = 100
	ellipsis       = "…"
)

// Enricher calls an LLM to produce a short natural-language summary of
// a user's week, with a deterministic non-LLM fallback.
type Enricher struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	enabled bool
}

// New constructs an Enricher. When apiKey is empty the Enricher always
// falls back to the deterministic template; it never fails.
func New(apiKey, baseURL, model string, timeout time.Duration, enabled bool) *Enricher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Enricher{
		client:  client,
		model:   model,
		timeout: timeout,
		enabled: enabled && apiKey != "",
	}
}

// Enrich sets payload.AISummary, preferring an LLM-generated summary
// and falling back to a deterministic template on any error.
func (e *Enricher) Enrich(ctx context.Context, payload types.DigestPayload) types.DigestPayload {
	if !e.enabled {
		payload.AISummary = fallbackSummary(payload)
		return payload
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	summary, err := e.callLLM(cctx, payload)
	if err != nil {
		log.Warn().Err(err).Str("user_id", payload.User.UserID).Msg("ai summary enrichment failed, using fallback")
		payload.AISummary = fallbackSummary(payload)
		return payload
	}

	payload.AISummary = normalizeBullets(summary)
	return payload
}

func (e *Enricher) callLLM(ctx context.Context, payload types.DigestPayload) (string, error) {
	prompt := buildPrompt(payload)

	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 200,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("anthropic response had no content blocks")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic response had no text content")
	}
	return sb.String(), nil
}

func buildPrompt(payload types.DigestPayload) string {
	var sb strings.Builder
	sb.WriteString("Summarize this user's week in at most 3 short bullet points, plain text, no markdown headers:\n")
	for _, h := range payload.Sections.Highlights {
		fmt.Fprintf(&sb, "- %s: %s\n", h.Title, h.Summary)
	}
	for _, s := range payload.Sections.Stacks {
		fmt.Fprintf(&sb, "- stack %q with %d items\n", s.Name, s.ItemCount)
	}
	fmt.Fprintf(&sb, "Total insights this week: %d.\n", payload.ActivitySummary.TotalInsights)
	return sb.String()
}

// normalizeBullets caps the LLM's output at maxBullets lines, each
// prefixed with "• " and truncated to maxBulletRunes with an ellipsis.
func normalizeBullets(raw string) string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	var bullets []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "-")
		line = strings.TrimPrefix(line, "•")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		bullets = append(bullets, "• "+truncateBullet(line))
		if len(bullets) == maxBullets {
			break
		}
	}
	if len(bullets) == 0 {
		return ""
	}
	return strings.Join(bullets, "\n")
}

// truncateBullet shortens line to maxBulletRunes runes, appending an
// ellipsis when it had to cut.
func truncateBullet(line string) string {
	runes := []rune(line)
	if len(runes) <= maxBulletRunes {
		return line
	}
	return string(runes[:maxBulletRunes]) + ellipsis
}

// fallbackSummary builds a deterministic summary directly from the
// payload when the LLM is unavailable or fails.
func fallbackSummary(payload types.DigestPayload) string {
	s := payload.ActivitySummary
	if s.TotalInsights == 0 && s.TotalStacks == 0 {
		return "No new activity this week."
	}

	var bullets []string
	bullets = append(bullets, fmt.Sprintf("• Saved %d insight(s) this week.", s.TotalInsights))
	if len(payload.Sections.Highlights) > 0 {
		bullets = append(bullets, fmt.Sprintf("• Top pick: %s.", payload.Sections.Highlights[0].Title))
	}
	if s.TotalStacks > 0 {
		bullets = append(bullets, fmt.Sprintf("• Updated %d stack(s).", s.TotalStacks))
	}
	if len(bullets) > maxBullets {
		bullets = bullets[:maxBullets]
	}
	return strings.Join(bullets, "\n")
}
