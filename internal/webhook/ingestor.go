// Package webhook ingests inbound email-provider delivery events
// (delivered, opened, clicked, bounced, complained, unsubscribed,
// blocked) and folds them into the event log and suppression list.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/internal/repository"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// Payload is a provider delivery-event notification, already decoded
// from whatever wire format the provider uses.
type Payload struct {
	Event     types.EmailEventType
	MessageID string
	Email     string
	Timestamp time.Time
	Meta      map[string]any
}

// Result summarizes how an ingested event was handled, for the
// caller's HTTP response / log line.
type Result struct {
	Event            types.EmailEventType
	MessageID        string
	UserID           string
	SuppressionAdded bool
	DigestDisabled   bool
}

// Config configures the Ingestor.
type Config struct {
	Repo  repository.Repository
	Cache repository.Cache
	// Secret, when non-empty, is required to validate every inbound
	// payload's signature. Left empty, signature verification is
	// skipped.
	Secret string
	// RateLimit caps ingested events per source IP per minute. Zero
	// disables rate limiting.
	RateLimit int64
}

// Ingestor processes inbound provider webhook deliveries.
type Ingestor struct {
	cfg Config
}

// NewIngestor constructs an Ingestor from cfg.
func NewIngestor(cfg Config) *Ingestor {
	return &Ingestor{cfg: cfg}
}

// VerifySignature reports whether signature is the expected
// HMAC-SHA256-hex of rawBody under the configured secret. Returns true
// unconditionally when no secret is configured.
func (i *Ingestor) VerifySignature(rawBody []byte, signature string) bool {
	if i.cfg.Secret == "" {
		log.Warn().Msg("webhook secret not configured, skipping signature verification")
		return true
	}
	mac := hmac.New(sha256.New, []byte(i.cfg.Secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Allow applies the per-sourceKey rate limit (e.g. source IP), failing
// open on a cache error so a Redis outage never blocks delivery-event
// ingestion entirely.
func (i *Ingestor) Allow(ctx context.Context, sourceKey string) bool {
	if i.cfg.RateLimit <= 0 || i.cfg.Cache == nil {
		return true
	}
	key := fmt.Sprintf("ratelimit:webhook:%s", sourceKey)
	count, err := i.cfg.Cache.IncrementRateLimit(ctx, key, time.Minute)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("webhook rate limit check failed, allowing")
		return true
	}
	return count <= i.cfg.RateLimit
}

// Ingest logs payload and folds it into suppression/digest state.
// Unknown event types are logged and otherwise ignored: this endpoint
// must never fail closed on a provider adding a new event type.
func (i *Ingestor) Ingest(ctx context.Context, payload Payload) (Result, error) {
	res := Result{Event: payload.Event, MessageID: payload.MessageID}

	userID, err := i.cfg.Repo.ResolveMessageUser(ctx, payload.MessageID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return res, fmt.Errorf("resolve message user: %w", err)
	}
	res.UserID = userID

	occurredAt := payload.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	meta := payload.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	meta["email"] = payload.Email

	if err := i.cfg.Repo.LogEmailEvent(ctx, types.EmailEvent{
		MessageID:  payload.MessageID,
		Event:      payload.Event,
		UserID:     userID,
		OccurredAt: occurredAt,
		Meta:       meta,
	}); err != nil {
		return res, fmt.Errorf("log email event: %w", err)
	}

	switch payload.Event {
	case types.EventDelivered, types.EventOpened, types.EventClicked:
		// Engagement signal only; no suppression or digest-state change.

	case types.EventBounced, types.EventBlocked:
		if err := i.cfg.Repo.AddSuppression(ctx, types.SuppressionEntry{
			Email:     payload.Email,
			Reason:    types.SuppressionBounce,
			CreatedAt: occurredAt,
		}); err != nil {
			return res, fmt.Errorf("add suppression: %w", err)
		}
		res.SuppressionAdded = true

	case types.EventComplained:
		if err := i.cfg.Repo.AddSuppression(ctx, types.SuppressionEntry{
			Email:     payload.Email,
			Reason:    types.SuppressionComplaint,
			CreatedAt: occurredAt,
		}); err != nil {
			return res, fmt.Errorf("add suppression: %w", err)
		}
		res.SuppressionAdded = true

	case types.EventUnsubscribed:
		if err := i.cfg.Repo.AddSuppression(ctx, types.SuppressionEntry{
			Email:     payload.Email,
			Reason:    types.SuppressionUnsubscribe,
			CreatedAt: occurredAt,
		}); err != nil {
			return res, fmt.Errorf("add suppression: %w", err)
		}
		res.SuppressionAdded = true

		if userID != "" {
			if err := i.cfg.Repo.DisableDigestForUser(ctx, userID); err != nil {
				return res, fmt.Errorf("disable digest for user: %w", err)
			}
			res.DigestDisabled = true
		}

	default:
		log.Info().Str("event", string(payload.Event)).Str("message_id", payload.MessageID).Msg("unhandled webhook event type")
	}

	return res, nil
}

// ProcessUnsubscribeToken handles a one-click unsubscribe for a minted
// token: resolve the token to its user, disable the weekly digest, and
// log an UNSUBSCRIBED event. Idempotent; disabling an already-disabled
// digest succeeds. Returns ErrNotFound from the repository for an
// unknown token.
func (i *Ingestor) ProcessUnsubscribeToken(ctx context.Context, token string) (userID string, err error) {
	userID, err = i.cfg.Repo.ResolveUnsubscribeToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("resolve unsubscribe token: %w", err)
	}

	if err := i.cfg.Repo.DisableDigestForUser(ctx, userID); err != nil {
		return "", fmt.Errorf("disable digest for user: %w", err)
	}

	if err := i.cfg.Repo.LogEmailEvent(ctx, types.EmailEvent{
		MessageID:  "unsubscribe:" + token,
		Event:      types.EventUnsubscribed,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to log unsubscribe event")
	}

	log.Info().Str("user_id", userID).Msg("weekly digest disabled via unsubscribe token")
	return userID, nil
}
