// Package repository is the persistence boundary for the weekly digest
// system: user preferences, activity, digest records, email events,
// and suppressions.
package repository

import (
	"context"
	"time"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// Repository is the digest system's primary store: preferences,
// activity snapshots, digest records, email events, and suppressions.
type Repository interface {
	// Connection lifecycle.
	Ping(ctx context.Context) error
	Close() error
	EnsureSchema(ctx context.Context) error

	// Preferences.
	GetSendableUsers(ctx context.Context, nowUTC time.Time) ([]types.SendableUser, error)
	GetUserPreferences(ctx context.Context, userID string) (*types.UserPreference, error)
	CreateDefaultPreferences(ctx context.Context, userID string) (*types.UserPreference, error)
	UpdateUserPreferences(ctx context.Context, userID string, patch types.UserPreferencePatch) (*types.UserPreference, error)

	// Activity, for the content assembler.
	GetUserActivity(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]types.Insight, error)
	GetUserStacks(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]types.Stack, error)
	GetRecentInsights(ctx context.Context, userID string, limit int) ([]types.Insight, error)

	// Digest records: one per (user_id, week_start).
	GetDigestByUserWeek(ctx context.Context, userID string, weekStart time.Time) (*types.DigestRecord, error)
	CreateDigestRecord(ctx context.Context, rec *types.DigestRecord) error
	UpdateDigestRecord(ctx context.Context, id string, patch types.DigestUpdate) (*types.DigestRecord, error)

	// Delivery events and suppressions.
	LogEmailEvent(ctx context.Context, ev types.EmailEvent) error
	AddSuppression(ctx context.Context, entry types.SuppressionEntry) error
	IsSuppressed(ctx context.Context, email string) (bool, error)

	// ResolveMessageUser best-effort resolves the user_id that a
	// message_id was originally sent to, by looking up the SENT
	// EmailEvent the Dispatcher logged. Used by the webhook ingestor
	// to attribute inbound provider events; returns ErrNotFound if no
	// SENT event is on file for messageID.
	ResolveMessageUser(ctx context.Context, messageID string) (userID string, err error)

	// Unsubscribe tokens.
	MintUnsubscribeToken(ctx context.Context, userID string) (string, error)
	ResolveUnsubscribeToken(ctx context.Context, token string) (userID string, err error)
	DisableDigestForUser(ctx context.Context, userID string) error
}

// ProfileSource is a narrow, separately substitutable capability for
// resolving a user's display identity. Kept distinct from Repository so
// the digest/email tables never need to know the shape of whatever
// table backs user identity.
type ProfileSource interface {
	GetUserProfile(ctx context.Context, userID string) (*types.UserProfile, error)
}

// Cache is the Redis-backed side store; the webhook ingestor uses it
// for rate limiting.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
	Close() error
}
