// Package scheduler runs the periodic sweep that walks every
// digest-enabled user, decides whether it is their send moment, and
// drives each one through the QUEUED -> RENDERED -> SENT/FAILED state
// machine. One digest record exists per (user, week); the record's
// natural-key uniqueness is what makes concurrent sweeps safe.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chrischrischristianyijin/quest-digest/internal/clock"
	"github.com/chrischrischristianyijin/quest-digest/internal/content"
	"github.com/chrischrischristianyijin/quest-digest/internal/enrich"
	"github.com/chrischrischristianyijin/quest-digest/internal/outcome"
	"github.com/chrischrischristianyijin/quest-digest/internal/render"
	"github.com/chrischrischristianyijin/quest-digest/internal/repository"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// inProgressGrace is how long a QUEUED/RENDERED record is assumed to be
// owned by a live sweep. Older records belong to a sweep that died
// mid-flight and are failed so a later sweep can retry them.
const inProgressGrace = 15 * time.Minute

// Dispatcher is the subset of *email.Dispatcher the orchestrator
// depends on, narrowed to an interface so tests can substitute a fake
// transport without standing up a real provider or SMTP server.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, toAddress, toName string, out types.OutboundEmail) (string, error)
	DispatchDryRun() string
}

// Config configures one Orchestrator.
type Config struct {
	Repo       repository.Repository
	Profiles   repository.ProfileSource
	Assembler  *content.Assembler
	Enricher   *enrich.Enricher
	Renderer   *render.Renderer
	Dispatcher Dispatcher

	BatchSize          int
	MaxConcurrent      int
	MaxRetries         int
	WeekStartDay       int
	InterBatchWait     time.Duration
	PerUserWait        time.Duration
	DryRun             bool
	UnsubscribeBaseURL string
	// TemplateID selects provider-hosted-template sends when the
	// Renderer is in template-params mode.
	TemplateID string
}

// Orchestrator drives the weekly digest sweep.
type Orchestrator struct {
	cfg Config
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Orchestrator{cfg: cfg}
}

// Sweep walks every digest-enabled user in scheduled mode: each user is
// processed only if it is their local send moment. See SweepForce for
// the operator-initiated bypass mode.
func (o *Orchestrator) Sweep(ctx context.Context, nowUTC time.Time) ([]outcome.UserOutcome, error) {
	return o.sweep(ctx, nowUTC, false)
}

// SweepForce runs the sweep in operator-initiated force mode: it
// bypasses the send-moment and already-sent/in-progress idempotency
// checks for every eligible user, but still records (and may overwrite)
// a digest record per user.
func (o *Orchestrator) SweepForce(ctx context.Context, nowUTC time.Time) ([]outcome.UserOutcome, error) {
	return o.sweep(ctx, nowUTC, true)
}

func (o *Orchestrator) sweep(ctx context.Context, nowUTC time.Time, force bool) ([]outcome.UserOutcome, error) {
	users, err := o.cfg.Repo.GetSendableUsers(ctx, nowUTC)
	if err != nil {
		return nil, fmt.Errorf("get sendable users: %w", err)
	}

	log.Info().Int("candidates", len(users)).Time("now", nowUTC).Bool("force", force).Msg("starting digest sweep")

	var results []outcome.UserOutcome
	for start := 0; start < len(users); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(users) {
			end = len(users)
		}
		batch := users[start:end]

		batchResults, err := o.runBatch(ctx, batch, nowUTC, force)
		if err != nil {
			return results, fmt.Errorf("sweep batch [%d:%d]: %w", start, end, err)
		}
		results = append(results, batchResults...)

		if end < len(users) && o.cfg.InterBatchWait > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(o.cfg.InterBatchWait):
			}
		}
	}

	log.Info().Int("processed", len(results)).Msg("digest sweep complete")
	return results, nil
}

// runBatch processes one batch with bounded concurrency.
func (o *Orchestrator) runBatch(ctx context.Context, batch []types.SendableUser, nowUTC time.Time, force bool) ([]outcome.UserOutcome, error) {
	results := make([]outcome.UserOutcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)

	for i, user := range batch {
		i, user := i, user
		g.Go(func() error {
			if o.cfg.PerUserWait > 0 {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(o.cfg.PerUserWait):
				}
			}
			results[i] = o.processUser(gctx, user, nowUTC, force, o.cfg.DryRun)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// SendToUser runs the per-user state machine for exactly one user,
// outside of a full sweep. emailOverride, when non-empty, redirects
// delivery without mutating the user's stored profile, which is useful
// for operator verification sends.
func (o *Orchestrator) SendToUser(ctx context.Context, userID string, force, dryRun bool, emailOverride string) (outcome.UserOutcome, error) {
	user, err := o.loadSendableUser(ctx, userID)
	if err != nil {
		return outcome.UserOutcome{}, err
	}
	if emailOverride != "" {
		user.Email = emailOverride
	}

	return o.processUser(ctx, *user, time.Now().UTC(), force, dryRun), nil
}

// Preview renders the digest a user would receive right now without
// any state change: no digest record is created or updated and the
// Dispatcher is never invoked.
func (o *Orchestrator) Preview(ctx context.Context, userID string) (types.RenderedMessage, error) {
	user, err := o.loadSendableUser(ctx, userID)
	if err != nil {
		return types.RenderedMessage{}, err
	}

	bounds := clock.WeekBoundariesFor(time.Now().UTC(), user.Timezone, o.cfg.WeekStartDay)
	payload, err := o.buildPayload(ctx, *user, bounds)
	if err != nil {
		return types.RenderedMessage{}, fmt.Errorf("preview: build payload: %w", err)
	}

	return o.cfg.Renderer.RenderInline(payload, "preview")
}

// loadSendableUser assembles a SendableUser for a single userID from
// the repository's preferences and profile lookups, the same join
// GetSendableUsers performs in bulk for a full sweep.
func (o *Orchestrator) loadSendableUser(ctx context.Context, userID string) (*types.SendableUser, error) {
	prefs, err := o.cfg.Repo.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	profile, err := o.cfg.Profiles.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("user %s has no email on file", userID)
	}
	return &types.SendableUser{UserPreference: *prefs, Email: profile.Email, DisplayName: profile.DisplayName}, nil
}

// processUser implements the per-user state machine. It never returns
// a Go error for expected business outcomes (not send time, already
// sent, suppressed, etc.); those are all represented as a typed
// UserOutcome.
func (o *Orchestrator) processUser(ctx context.Context, user types.SendableUser, nowUTC time.Time, force, dryRun bool) outcome.UserOutcome {
	bounds := clock.WeekBoundariesFor(nowUTC, user.Timezone, o.cfg.WeekStartDay)
	// The digest always covers the last completed local week, never the
	// week still in progress. The record is keyed by that week's local
	// calendar date, held at UTC midnight.
	userLoc, locErr := time.LoadLocation(user.Timezone)
	if locErr != nil {
		userLoc = time.UTC
	}
	localStart := bounds.PrevWeekStart.In(userLoc)
	weekStart := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), 0, 0, 0, 0, time.UTC)

	// The no-activity decision belongs to the assembler, which runs
	// after a record exists; hasActivity=true keeps this a pure
	// day/hour/enabled check.
	if !force && !clock.ShouldSendNow(user.Timezone, user.PreferredDay, user.PreferredHour, nowUTC, user.WeeklyDigestEnabled, true, user.NoActivityPolicy) {
		return outcome.UserOutcome{Status: outcome.StatusSkipped, UserID: user.UserID, Reason: "not_send_time"}
	}

	existing, err := o.cfg.Repo.GetDigestByUserWeek(ctx, user.UserID, weekStart)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return outcome.UserOutcome{Status: outcome.StatusFailed, UserID: user.UserID, Reason: "digest_lookup_failed", Error: err.Error()}
	}

	if existing != nil && !force {
		switch existing.Status {
		case types.DigestSent:
			return outcome.UserOutcome{Status: outcome.StatusSkipped, UserID: user.UserID, DigestID: existing.ID.String(), Reason: "already_sent"}
		case types.DigestFailed:
			if existing.RetryCount >= o.cfg.MaxRetries {
				return outcome.UserOutcome{Status: outcome.StatusSkipped, UserID: user.UserID, DigestID: existing.ID.String(), Reason: "max_retries_exceeded"}
			}
			// Retry this user's existing record.
		case types.DigestQueued, types.DigestRendered:
			if nowUTC.Sub(existing.UpdatedAt) < inProgressGrace {
				return outcome.UserOutcome{Status: outcome.StatusSkipped, UserID: user.UserID, DigestID: existing.ID.String(), Reason: "in_progress"}
			}
			// The owning sweep died mid-flight. Fail the record so the
			// next sweep can retry it.
			return o.markFailed(ctx, existing, user.UserID, "stalled_in_progress", nil)
		}
	}

	if existing == nil {
		rec := &types.DigestRecord{UserID: user.UserID, WeekStart: weekStart, Status: types.DigestQueued}
		if err := o.cfg.Repo.CreateDigestRecord(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				if !force {
					// Lost a race with another sweep instance; the winner
					// owns this week.
					return outcome.UserOutcome{Status: outcome.StatusSkipped, UserID: user.UserID, Reason: "in_progress"}
				}
				existing, err = o.cfg.Repo.GetDigestByUserWeek(ctx, user.UserID, weekStart)
				if err != nil {
					return outcome.UserOutcome{Status: outcome.StatusFailed, UserID: user.UserID, Reason: "digest_lookup_failed", Error: err.Error()}
				}
			} else {
				return outcome.UserOutcome{Status: outcome.StatusFailed, UserID: user.UserID, Reason: "create_digest_failed", Error: err.Error()}
			}
		} else {
			existing = rec
		}
	}

	return o.renderAndSend(ctx, user, existing, bounds, dryRun)
}

// renderAndSend carries an existing QUEUED/RENDERED/FAILED digest
// record through to SENT or FAILED.
func (o *Orchestrator) renderAndSend(ctx context.Context, user types.SendableUser, rec *types.DigestRecord, bounds clock.WeekBoundaries, dryRun bool) outcome.UserOutcome {
	payload, err := o.buildPayload(ctx, user, bounds)
	if err != nil {
		return o.markFailed(ctx, rec, user.UserID, "content_generation_failed", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return o.markFailed(ctx, rec, user.UserID, "payload_marshal_failed", err)
	}

	rendered := types.DigestRendered
	if _, err := o.cfg.Repo.UpdateDigestRecord(ctx, rec.ID.String(), types.DigestUpdate{Status: &rendered, Payload: payloadJSON}); err != nil {
		return o.markFailed(ctx, rec, user.UserID, "render_state_update_failed", err)
	}

	if payload.Metadata.Skipped {
		sentStatus := types.DigestSent
		skippedMsg := types.SentinelSkipped
		if _, err := o.cfg.Repo.UpdateDigestRecord(ctx, rec.ID.String(), types.DigestUpdate{Status: &sentStatus, MessageID: &skippedMsg}); err != nil {
			return o.markFailed(ctx, rec, user.UserID, "skip_finalize_failed", err)
		}
		return outcome.UserOutcome{Status: outcome.StatusSkipped, UserID: user.UserID, DigestID: rec.ID.String(), MessageID: types.SentinelSkipped, Reason: "no_activity_skip"}
	}

	messageID, reason, sendErr := o.deliver(ctx, user, payload, dryRun)
	if sendErr != nil {
		return o.markFailed(ctx, rec, user.UserID, reason, sendErr)
	}

	sentStatus := types.DigestSent
	if _, err := o.cfg.Repo.UpdateDigestRecord(ctx, rec.ID.String(), types.DigestUpdate{Status: &sentStatus, MessageID: &messageID}); err != nil {
		return o.markFailed(ctx, rec, user.UserID, "sent_finalize_failed", err)
	}

	sentReason := "email_sent"
	if messageID == types.SentinelDryRun {
		sentReason = "dry_run"
	}
	return outcome.UserOutcome{Status: outcome.StatusSent, UserID: user.UserID, DigestID: rec.ID.String(), MessageID: messageID, Reason: sentReason}
}

func (o *Orchestrator) buildPayload(ctx context.Context, user types.SendableUser, bounds clock.WeekBoundaries) (types.DigestPayload, error) {
	insights, err := o.cfg.Repo.GetUserActivity(ctx, user.UserID, bounds.PrevWeekStart, bounds.PrevWeekEnd)
	if err != nil {
		return types.DigestPayload{}, err
	}
	stacks, err := o.cfg.Repo.GetUserStacks(ctx, user.UserID, bounds.PrevWeekStart, bounds.PrevWeekEnd)
	if err != nil {
		return types.DigestPayload{}, err
	}

	digestUser := types.DigestUser{UserID: user.UserID, DisplayName: user.DisplayName, Email: user.Email, Timezone: user.Timezone}
	now := time.Now().UTC()
	payload := o.cfg.Assembler.Assemble(digestUser, insights, stacks, bounds.PrevWeekStart, bounds.PrevWeekEnd, user.NoActivityPolicy, now)

	if !payload.Metadata.Skipped {
		payload = o.cfg.Enricher.Enrich(ctx, payload)
	}
	return payload, nil
}

func (o *Orchestrator) deliver(ctx context.Context, user types.SendableUser, payload types.DigestPayload, dryRun bool) (messageID, failureReason string, err error) {
	if dryRun {
		return o.cfg.Dispatcher.DispatchDryRun(), "", nil
	}

	token, err := o.cfg.Repo.MintUnsubscribeToken(ctx, user.UserID)
	if err != nil {
		return "", "unsubscribe_token_failed", err
	}

	out := types.OutboundEmail{
		UnsubscribeURL: o.cfg.UnsubscribeBaseURL + "?token=" + token,
	}
	if o.cfg.Renderer.Mode() == render.ModeTemplateParams && o.cfg.TemplateID != "" {
		out.TemplateID = o.cfg.TemplateID
		out.TemplateParams = o.cfg.Renderer.RenderTemplateParams(payload, token)
	} else {
		msg, renderErr := o.cfg.Renderer.RenderInline(payload, token)
		if renderErr != nil {
			return "", "render_failed", renderErr
		}
		out.Rendered = &msg
	}

	messageID, err = o.cfg.Dispatcher.Dispatch(ctx, user.UserID, user.Email, user.DisplayName, out)
	if err != nil {
		if outcome.IsTransient(err) {
			return "", "send_transient_failure", err
		}
		return "", "send_permanent_failure", err
	}
	return messageID, "", nil
}

func (o *Orchestrator) markFailed(ctx context.Context, rec *types.DigestRecord, userID, reason string, cause error) outcome.UserOutcome {
	failedStatus := types.DigestFailed
	errMsg := reason
	if cause != nil {
		errMsg = fmt.Sprintf("%s: %v", reason, cause)
	}
	if _, err := o.cfg.Repo.UpdateDigestRecord(ctx, rec.ID.String(), types.DigestUpdate{
		Status:         &failedStatus,
		Error:          &errMsg,
		IncrementRetry: true,
	}); err != nil {
		log.Error().Err(err).Str("digest_id", rec.ID.String()).Msg("failed to persist FAILED status")
	}
	return outcome.UserOutcome{Status: outcome.StatusFailed, UserID: userID, DigestID: rec.ID.String(), Reason: reason, Error: errMsg}
}
