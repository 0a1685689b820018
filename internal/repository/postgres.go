package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/internal/config"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// Postgres implements Repository and ProfileSource over a pgxpool
// connection pool. The insights/stacks/users tables are owned by the
// wider application; Postgres only reads them.
type Postgres struct {
	pool *pgxpool.Pool
}

// New opens a connection pool per cfg and verifies connectivity.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("connected to postgres")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// EnsureSchema creates the tables this service owns if they do not
// exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_email_preferences (
			user_id UUID PRIMARY KEY,
			weekly_digest_enabled BOOLEAN NOT NULL DEFAULT true,
			preferred_day SMALLINT NOT NULL DEFAULT 0,
			preferred_hour SMALLINT NOT NULL DEFAULT 9,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			no_activity_policy TEXT NOT NULL DEFAULT 'SKIP',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS email_digests (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			week_start DATE NOT NULL,
			status TEXT NOT NULL,
			message_id TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, week_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_digests_status ON email_digests(status)`,
		`CREATE TABLE IF NOT EXISTS email_events (
			id UUID PRIMARY KEY,
			message_id TEXT NOT NULL,
			event TEXT NOT NULL,
			user_id UUID,
			occurred_at TIMESTAMPTZ NOT NULL,
			meta JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_events_message_id ON email_events(message_id)`,
		`CREATE TABLE IF NOT EXISTS email_suppressions (
			email TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS unsubscribe_tokens (
			token TEXT PRIMARY KEY,
			user_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GetSendableUsers returns users with weekly_digest_enabled=true, joined
// to their profile. The caller (orchestrator) filters by ShouldSendNow
// per-user; this query only narrows by the enabled flag so a single
// sweep batch can page through candidates cheaply. Users without an
// email address cannot be delivered to and are dropped with a warning.
func (p *Postgres) GetSendableUsers(ctx context.Context, nowUTC time.Time) ([]types.SendableUser, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT p.user_id, p.weekly_digest_enabled, p.preferred_day, p.preferred_hour,
		       p.timezone, p.no_activity_policy, p.created_at, p.updated_at,
		       COALESCE(u.email, ''), `+displayNameFallbackSQL+`
		FROM user_email_preferences p
		JOIN users u ON u.id = p.user_id
		WHERE p.weekly_digest_enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("get sendable users: %w", err)
	}
	defer rows.Close()

	var out []types.SendableUser
	for rows.Next() {
		var su types.SendableUser
		if err := rows.Scan(&su.UserID, &su.WeeklyDigestEnabled, &su.PreferredDay, &su.PreferredHour,
			&su.Timezone, &su.NoActivityPolicy, &su.CreatedAt, &su.UpdatedAt,
			&su.Email, &su.DisplayName); err != nil {
			return nil, fmt.Errorf("scan sendable user: %w", err)
		}
		if su.Email == "" {
			log.Warn().Str("user_id", su.UserID).Msg("digest-enabled user has no email address, skipping")
			continue
		}
		out = append(out, su)
	}
	return out, rows.Err()
}

func (p *Postgres) GetUserPreferences(ctx context.Context, userID string) (*types.UserPreference, error) {
	var pref types.UserPreference
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, weekly_digest_enabled, preferred_day, preferred_hour,
		       timezone, no_activity_policy, created_at, updated_at
		FROM user_email_preferences WHERE user_id = $1
	`, userID).Scan(&pref.UserID, &pref.WeeklyDigestEnabled, &pref.PreferredDay, &pref.PreferredHour,
		&pref.Timezone, &pref.NoActivityPolicy, &pref.CreatedAt, &pref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user preferences: %w", err)
	}
	return &pref, nil
}

func (p *Postgres) CreateDefaultPreferences(ctx context.Context, userID string) (*types.UserPreference, error) {
	var pref types.UserPreference
	err := p.pool.QueryRow(ctx, `
		INSERT INTO user_email_preferences (user_id, weekly_digest_enabled, preferred_day, preferred_hour, timezone, no_activity_policy)
		VALUES ($1, true, 0, 9, 'UTC', 'SKIP')
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, weekly_digest_enabled, preferred_day, preferred_hour, timezone, no_activity_policy, created_at, updated_at
	`, userID).Scan(&pref.UserID, &pref.WeeklyDigestEnabled, &pref.PreferredDay, &pref.PreferredHour,
		&pref.Timezone, &pref.NoActivityPolicy, &pref.CreatedAt, &pref.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create default preferences: %w", err)
	}
	return &pref, nil
}

func (p *Postgres) UpdateUserPreferences(ctx context.Context, userID string, patch types.UserPreferencePatch) (*types.UserPreference, error) {
	current, err := p.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if patch.WeeklyDigestEnabled != nil {
		current.WeeklyDigestEnabled = *patch.WeeklyDigestEnabled
	}
	if patch.PreferredDay != nil {
		current.PreferredDay = *patch.PreferredDay
	}
	if patch.PreferredHour != nil {
		current.PreferredHour = *patch.PreferredHour
	}
	if patch.Timezone != nil {
		current.Timezone = *patch.Timezone
	}
	if patch.NoActivityPolicy != nil {
		current.NoActivityPolicy = *patch.NoActivityPolicy
	}

	_, err = p.pool.Exec(ctx, `
		UPDATE user_email_preferences
		SET weekly_digest_enabled = $2, preferred_day = $3, preferred_hour = $4,
		    timezone = $5, no_activity_policy = $6, updated_at = now()
		WHERE user_id = $1
	`, userID, current.WeeklyDigestEnabled, current.PreferredDay, current.PreferredHour,
		current.Timezone, current.NoActivityPolicy)
	if err != nil {
		return nil, fmt.Errorf("update user preferences: %w", err)
	}
	return p.GetUserPreferences(ctx, userID)
}

// GetUserActivity returns insights created OR updated inside
// [windowStart, windowEnd), so edits to older insights still count as
// this week's activity.
func (p *Postgres) GetUserActivity(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]types.Insight, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(description, ''), COALESCE(url, ''),
		       COALESCE(image_url, ''), tags, COALESCE(summary, ''), COALESCE(thought, ''),
		       created_at, updated_at
		FROM insights
		WHERE user_id = $1
		  AND ((created_at >= $2 AND created_at < $3) OR (updated_at >= $2 AND updated_at < $3))
		ORDER BY created_at DESC
	`, userID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("get user activity: %w", err)
	}
	defer rows.Close()

	var out []types.Insight
	for rows.Next() {
		var in types.Insight
		if err := rows.Scan(&in.ID, &in.Title, &in.Description, &in.URL, &in.ImageURL,
			&in.Tags, &in.Summary, &in.Thought, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) GetUserStacks(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]types.Stack, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(description, ''), item_count, created_at, updated_at
		FROM stacks
		WHERE user_id = $1
		  AND ((created_at >= $2 AND created_at < $3) OR (updated_at >= $2 AND updated_at < $3))
		ORDER BY updated_at DESC
	`, userID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("get user stacks: %w", err)
	}
	defer rows.Close()

	var out []types.Stack
	for rows.Next() {
		var s types.Stack
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.ItemCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stack: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetRecentInsights(ctx context.Context, userID string, limit int) ([]types.Insight, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(description, ''), COALESCE(url, ''),
		       COALESCE(image_url, ''), tags, COALESCE(summary, ''), COALESCE(thought, ''),
		       created_at, updated_at
		FROM insights WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent insights: %w", err)
	}
	defer rows.Close()

	var out []types.Insight
	for rows.Next() {
		var in types.Insight
		if err := rows.Scan(&in.ID, &in.Title, &in.Description, &in.URL, &in.ImageURL,
			&in.Tags, &in.Summary, &in.Thought, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDigestByUserWeek(ctx context.Context, userID string, weekStart time.Time) (*types.DigestRecord, error) {
	var rec types.DigestRecord
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, week_start, status, COALESCE(message_id, ''), COALESCE(error, ''),
		       retry_count, COALESCE(payload, '{}'::jsonb), created_at, updated_at
		FROM email_digests WHERE user_id = $1 AND week_start = $2
	`, userID, weekStart).Scan(&rec.ID, &rec.UserID, &rec.WeekStart, &rec.Status, &rec.MessageID, &rec.Error,
		&rec.RetryCount, &rec.Payload, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get digest by user week: %w", err)
	}
	return &rec, nil
}

// CreateDigestRecord inserts a new QUEUED row, relying on the
// (user_id, week_start) unique constraint: a concurrent duplicate
// insert returns ErrAlreadyExists rather than a second row.
func (p *Postgres) CreateDigestRecord(ctx context.Context, rec *types.DigestRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO email_digests (id, user_id, week_start, status, retry_count)
		VALUES ($1, $2, $3, $4, 0)
	`, rec.ID, rec.UserID, rec.WeekStart, rec.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create digest record: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateDigestRecord(ctx context.Context, id string, patch types.DigestUpdate) (*types.DigestRecord, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.MessageID != nil {
		sets = append(sets, "message_id = "+arg(*patch.MessageID))
	}
	if patch.Error != nil {
		sets = append(sets, "error = "+arg(*patch.Error))
	}
	if patch.Payload != nil {
		sets = append(sets, "payload = "+arg(patch.Payload))
	}
	if patch.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}

	query := "UPDATE email_digests SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = $1"

	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update digest record: %w", err)
	}

	var rec types.DigestRecord
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, week_start, status, COALESCE(message_id, ''), COALESCE(error, ''),
		       retry_count, COALESCE(payload, '{}'::jsonb), created_at, updated_at
		FROM email_digests WHERE id = $1
	`, id).Scan(&rec.ID, &rec.UserID, &rec.WeekStart, &rec.Status, &rec.MessageID, &rec.Error,
		&rec.RetryCount, &rec.Payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reload digest record: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) LogEmailEvent(ctx context.Context, ev types.EmailEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO email_events (id, message_id, event, user_id, occurred_at, meta)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6)
	`, ev.ID, ev.MessageID, ev.Event, ev.UserID, ev.OccurredAt, meta)
	if err != nil {
		return fmt.Errorf("log email event: %w", err)
	}
	return nil
}

func (p *Postgres) AddSuppression(ctx context.Context, entry types.SuppressionEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO email_suppressions (email, reason) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET reason = EXCLUDED.reason
	`, entry.Email, entry.Reason)
	if err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	return nil
}

// ResolveMessageUser looks up the user_id attached to the SENT event
// logged for messageID. Best-effort: a message the Dispatcher sent
// without a resolvable user_id (should not happen in practice, but the
// column is nullable) also yields ErrNotFound.
func (p *Postgres) ResolveMessageUser(ctx context.Context, messageID string) (string, error) {
	var userID string
	err := p.pool.QueryRow(ctx, `
		SELECT user_id FROM email_events
		WHERE message_id = $1 AND event = $2 AND user_id IS NOT NULL
		ORDER BY occurred_at ASC LIMIT 1
	`, messageID, types.EventSent).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve message user: %w", err)
	}
	return userID, nil
}

func (p *Postgres) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM email_suppressions WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is suppressed: %w", err)
	}
	return exists, nil
}

func (p *Postgres) MintUnsubscribeToken(ctx context.Context, userID string) (string, error) {
	token := uuid.New().String()
	_, err := p.pool.Exec(ctx, `INSERT INTO unsubscribe_tokens (token, user_id) VALUES ($1, $2)`, token, userID)
	if err != nil {
		return "", fmt.Errorf("mint unsubscribe token: %w", err)
	}
	return token, nil
}

func (p *Postgres) ResolveUnsubscribeToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := p.pool.QueryRow(ctx, `SELECT user_id FROM unsubscribe_tokens WHERE token = $1`, token).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve unsubscribe token: %w", err)
	}
	return userID, nil
}

func (p *Postgres) DisableDigestForUser(ctx context.Context, userID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE user_email_preferences SET weekly_digest_enabled = false, updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("disable digest for user: %w", err)
	}
	return nil
}

// displayNameFallbackSQL resolves a user's display name: first_name,
// then nickname, then username, then a plain "there" rather than
// leaving the greeting empty.
const displayNameFallbackSQL = `COALESCE(NULLIF(u.first_name, ''), NULLIF(u.nickname, ''), NULLIF(u.username, ''), 'there') AS display_name`

// GetUserProfile implements ProfileSource by reading the same users
// table GetSendableUsers joins against.
func (p *Postgres) GetUserProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	var prof types.UserProfile
	err := p.pool.QueryRow(ctx, `
		SELECT id, email, `+displayNameFallbackSQL+`, COALESCE(is_admin, false)
		FROM users u WHERE id = $1
	`, userID).Scan(&prof.UserID, &prof.Email, &prof.DisplayName, &prof.IsAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	return &prof, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
