package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chrischrischristianyijin/quest-digest/internal/config"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// setupTestPostgres starts a disposable Postgres container, ensures the
// digest schema, and seeds the externally-owned users/insights/stacks
// tables this repository only reads from.
func setupTestPostgres(t *testing.T) (*Postgres, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("digest_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := New(ctx, config.DatabaseConfig{
		URL:             connStr,
		MaxConnections:  5,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, repo.EnsureSchema(ctx))

	_, err = repo.pool.Exec(ctx, `
		CREATE TABLE users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL,
			first_name TEXT,
			nickname TEXT,
			username TEXT,
			is_admin BOOLEAN DEFAULT false
		);
		CREATE TABLE insights (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			title TEXT, description TEXT, url TEXT, image_url TEXT,
			tags TEXT[], summary TEXT, thought TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE stacks (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			name TEXT, description TEXT, item_count INT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		_ = container.Terminate(ctx)
	}
	return repo, cleanup
}

func TestPostgres_Ping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()

	assert.NoError(t, repo.Ping(context.Background()))
}

func TestPostgres_PreferencesLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	userID := uuid.New().String()
	_, err := repo.pool.Exec(ctx, `INSERT INTO users (id, email, first_name) VALUES ($1, $2, $3)`,
		userID, "a@example.com", "Ada")
	require.NoError(t, err)

	pref, err := repo.CreateDefaultPreferences(ctx, userID)
	require.NoError(t, err)
	assert.True(t, pref.WeeklyDigestEnabled)
	assert.Equal(t, "UTC", pref.Timezone)

	newDay := 3
	updated, err := repo.UpdateUserPreferences(ctx, userID, types.UserPreferencePatch{PreferredDay: &newDay})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.PreferredDay)

	fetched, err := repo.GetUserPreferences(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, fetched.PreferredDay)
}

func TestPostgres_GetUserProfileFallsBackDisplayName(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	withFirstName := uuid.New().String()
	_, err := repo.pool.Exec(ctx, `INSERT INTO users (id, email, first_name, nickname, username) VALUES ($1, $2, $3, $4, $5)`,
		withFirstName, "a@example.com", "Ada", "nick", "user_ada")
	require.NoError(t, err)

	onlyUsername := uuid.New().String()
	_, err = repo.pool.Exec(ctx, `INSERT INTO users (id, email, username) VALUES ($1, $2, $3)`,
		onlyUsername, "b@example.com", "user_bea")
	require.NoError(t, err)

	noneAtAll := uuid.New().String()
	_, err = repo.pool.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1, $2)`, noneAtAll, "c@example.com")
	require.NoError(t, err)

	prof, err := repo.GetUserProfile(ctx, withFirstName)
	require.NoError(t, err)
	assert.Equal(t, "Ada", prof.DisplayName)

	prof, err = repo.GetUserProfile(ctx, onlyUsername)
	require.NoError(t, err)
	assert.Equal(t, "user_bea", prof.DisplayName)

	prof, err = repo.GetUserProfile(ctx, noneAtAll)
	require.NoError(t, err)
	assert.Equal(t, "there", prof.DisplayName)
}

func TestPostgres_DigestRecordLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	userID := uuid.New().String()
	weekStart := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	rec := &types.DigestRecord{UserID: userID, WeekStart: weekStart, Status: types.DigestQueued}
	require.NoError(t, repo.CreateDigestRecord(ctx, rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)

	err := repo.CreateDigestRecord(ctx, &types.DigestRecord{UserID: userID, WeekStart: weekStart})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	fetched, err := repo.GetDigestByUserWeek(ctx, userID, weekStart)
	require.NoError(t, err)
	assert.Equal(t, types.DigestQueued, fetched.Status)

	sentStatus := types.DigestSent
	msgID := "msg-123"
	updated, err := repo.UpdateDigestRecord(ctx, rec.ID.String(), types.DigestUpdate{
		Status:    &sentStatus,
		MessageID: &msgID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DigestSent, updated.Status)
	assert.Equal(t, "msg-123", updated.MessageID)

	retried, err := repo.UpdateDigestRecord(ctx, rec.ID.String(), types.DigestUpdate{IncrementRetry: true})
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)

	_, err = repo.GetDigestByUserWeek(ctx, userID, weekStart.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_EmailEventsAndSuppression(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	userID := uuid.New().String()
	messageID := "msg-" + uuid.New().String()

	require.NoError(t, repo.LogEmailEvent(ctx, types.EmailEvent{
		MessageID:  messageID,
		Event:      types.EventSent,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}))

	resolved, err := repo.ResolveMessageUser(ctx, messageID)
	require.NoError(t, err)
	assert.Equal(t, userID, resolved)

	_, err = repo.ResolveMessageUser(ctx, "no-such-message")
	assert.ErrorIs(t, err, ErrNotFound)

	suppressed, err := repo.IsSuppressed(ctx, "bounced@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)

	require.NoError(t, repo.AddSuppression(ctx, types.SuppressionEntry{
		Email:  "bounced@example.com",
		Reason: types.SuppressionBounce,
	}))

	suppressed, err = repo.IsSuppressed(ctx, "bounced@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestPostgres_UnsubscribeTokenLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	userID := uuid.New().String()
	_, err := repo.pool.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1, $2)`, userID, "a@example.com")
	require.NoError(t, err)
	_, err = repo.CreateDefaultPreferences(ctx, userID)
	require.NoError(t, err)

	token, err := repo.MintUnsubscribeToken(ctx, userID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	resolved, err := repo.ResolveUnsubscribeToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, resolved)

	require.NoError(t, repo.DisableDigestForUser(ctx, userID))
	pref, err := repo.GetUserPreferences(ctx, userID)
	require.NoError(t, err)
	assert.False(t, pref.WeeklyDigestEnabled)
}

func TestPostgres_ActivityAndStacksWindowed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	userID := uuid.New()
	windowStart := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, 7)

	insertInsight := func(createdAt time.Time) {
		_, err := repo.pool.Exec(ctx, `
			INSERT INTO insights (id, user_id, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
		`, uuid.New(), userID, fmt.Sprintf("insight at %s", createdAt), createdAt)
		require.NoError(t, err)
	}
	insertInsight(windowStart.Add(time.Hour))
	insertInsight(windowEnd.Add(time.Hour)) // outside window

	_, err := repo.pool.Exec(ctx, `
		INSERT INTO stacks (id, user_id, name, updated_at) VALUES ($1, $2, $3, $4)
	`, uuid.New(), userID, "my stack", windowStart.Add(time.Hour))
	require.NoError(t, err)

	insights, err := repo.GetUserActivity(ctx, userID.String(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Len(t, insights, 1)

	stacks, err := repo.GetUserStacks(ctx, userID.String(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Len(t, stacks, 1)
}
