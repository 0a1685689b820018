// Package types defines the domain model shared across the weekly
// digest system: preferences, activity, digest records, email events,
// and the payload shape produced by the content assembler and consumed
// by the renderer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NoActivityPolicy controls what happens when a user has no activity
// in their digest window.
type NoActivityPolicy string

const (
	NoActivitySkip        NoActivityPolicy = "SKIP"
	NoActivityBrief       NoActivityPolicy = "BRIEF"
	NoActivitySuggestions NoActivityPolicy = "SUGGESTIONS"
)

// UserPreference holds a user's weekly-digest scheduling preferences.
type UserPreference struct {
	UserID              string           `json:"user_id" db:"user_id"`
	WeeklyDigestEnabled bool             `json:"weekly_digest_enabled" db:"weekly_digest_enabled"`
	PreferredDay        int              `json:"preferred_day" db:"preferred_day"` // 0=Monday .. 6=Sunday
	PreferredHour       int              `json:"preferred_hour" db:"preferred_hour"`
	Timezone            string           `json:"timezone" db:"timezone"`
	NoActivityPolicy    NoActivityPolicy `json:"no_activity_policy" db:"no_activity_policy"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// UserPreferencePatch is a partial update to UserPreference; nil fields
// are left unchanged.
type UserPreferencePatch struct {
	WeeklyDigestEnabled *bool
	PreferredDay        *int
	PreferredHour       *int
	Timezone            *string
	NoActivityPolicy    *NoActivityPolicy
}

// UserProfile is the minimal read-only identity needed to address a
// user. It is deliberately decoupled from whatever table backs user
// identity; see repository.ProfileSource.
type UserProfile struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	IsAdmin     bool   `json:"is_admin"`
}

// SendableUser is the join of UserPreference and enough profile data to
// address the user, as returned by Repository.GetSendableUsers.
type SendableUser struct {
	UserPreference
	Email       string
	DisplayName string
}

// Insight is one captured piece of content (a saved link, note, or
// thought).
type Insight struct {
	ID          string
	Title       string
	Description string
	URL         string
	ImageURL    string
	Tags        []string
	Summary     string
	Thought     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stack is a user-defined collection of insights.
type Stack struct {
	ID          string
	Name        string
	Description string
	ItemCount   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DigestStatus is a DigestRecord's position in the per-user state
// machine: QUEUED -> RENDERED -> SENT, with FAILED reachable from any
// non-terminal state.
type DigestStatus string

const (
	DigestQueued   DigestStatus = "QUEUED"
	DigestRendered DigestStatus = "RENDERED"
	DigestSent     DigestStatus = "SENT"
	DigestFailed   DigestStatus = "FAILED"
	DigestSkipped  DigestStatus = "SKIPPED"
)

// Sentinel message IDs used in place of a real provider message_id when
// a DigestRecord reaches SENT without an actual dispatch.
const (
	SentinelSkipped = "skipped"
	SentinelDryRun  = "dry_run"
)

// DigestRecord is the one-per-(user, week) idempotency and state
// record. A SENT record is authoritative: later sweeps for the same
// week are no-ops unless an operator forces a re-send.
type DigestRecord struct {
	ID         uuid.UUID
	UserID     string
	WeekStart  time.Time // local-calendar date, stored at UTC midnight
	Status     DigestStatus
	MessageID  string
	Error      string
	RetryCount int
	Payload    []byte // serialized DigestPayload, set at or after RENDERED
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DigestUpdate is a partial update to a DigestRecord; nil fields are
// left unchanged. IncrementRetry, when true, atomically bumps
// RetryCount by one in the same update.
type DigestUpdate struct {
	Status         *DigestStatus
	MessageID      *string
	Error          *string
	Payload        []byte
	IncrementRetry bool
}

// EmailEventType enumerates the provider delivery events the webhook
// ingestor understands.
type EmailEventType string

const (
	EventSent         EmailEventType = "SENT"
	EventDelivered    EmailEventType = "DELIVERED"
	EventOpened       EmailEventType = "OPENED"
	EventClicked      EmailEventType = "CLICKED"
	EventBounced      EmailEventType = "BOUNCED"
	EventComplained   EmailEventType = "COMPLAINED"
	EventUnsubscribed EmailEventType = "UNSUBSCRIBED"
	EventBlocked      EmailEventType = "BLOCKED"
	EventSuppressed   EmailEventType = "SUPPRESSED"
)

// EmailEvent is an append-only delivery-event record. The event log is
// the sole authoritative delivery history for a message; DigestRecord
// carries the latest status only.
type EmailEvent struct {
	ID         uuid.UUID
	MessageID  string
	Event      EmailEventType
	UserID     string
	OccurredAt time.Time
	Meta       map[string]any
}

// SuppressionReason explains why an address was suppressed.
type SuppressionReason string

const (
	SuppressionBounce      SuppressionReason = "BOUNCE"
	SuppressionComplaint   SuppressionReason = "COMPLAINT"
	SuppressionUnsubscribe SuppressionReason = "UNSUBSCRIBE"
	SuppressionManual      SuppressionReason = "MANUAL"
)

// SuppressionEntry permanently blocks further sends to Email.
type SuppressionEntry struct {
	Email     string
	Reason    SuppressionReason
	CreatedAt time.Time
}

// DigestUser block: the addressee of a digest, with display-name
// fallback already resolved.
type DigestUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Timezone    string `json:"timezone"`
}

// ActivitySummary block: counts and derived metrics over the digest
// window.
type ActivitySummary struct {
	TotalInsights       int     `json:"total_insights"`
	TotalStacks         int     `json:"total_stacks"`
	URLInsights         int     `json:"url_insights"`
	TextInsights        int     `json:"text_insights"`
	RecentInsights      int     `json:"recent_insights"`
	InsightsWithSummary int     `json:"insights_with_summary"`
	InsightsWithTags    int     `json:"insights_with_tags"`
	EngagementScore     float64 `json:"engagement_score"`
}

// HighlightItem is a top-ranked insight shown in full.
type HighlightItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle"`
	Summary  string   `json:"summary"`
	ImageURL string   `json:"image_url,omitempty"`
	URL      string   `json:"url,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Score    float64  `json:"score"`
}

// MoreItem is a lower-ranked insight shown as a compact link.
type MoreItem struct {
	Title string   `json:"title"`
	URL   string   `json:"url,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// StackItem is a stack shown in the digest.
type StackItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ItemCount int    `json:"item_count"`
}

// Suggestion is an actionable nudge emitted by the content assembler.
type Suggestion struct {
	Text string `json:"text"`
}

// Sections block: the four ranked content groups of a digest.
type Sections struct {
	Highlights  []HighlightItem `json:"highlights"`
	MoreContent []MoreItem      `json:"more_content"`
	Stacks      []StackItem     `json:"stacks"`
	Suggestions []Suggestion    `json:"suggestions"`
}

// Metadata block: flags and provenance describing how a payload was
// produced.
type Metadata struct {
	GeneratedAt     time.Time `json:"generated_at"`
	WeekStart       time.Time `json:"week_start"`
	WeekEnd         time.Time `json:"week_end"`
	Skipped         bool      `json:"skipped"`
	BriefMode       bool      `json:"brief_mode"`
	SuggestionsMode bool      `json:"suggestions_mode"`
	Error           bool      `json:"error"`
	Reason          string    `json:"reason,omitempty"`
}

// DigestPayload is the complete, self-contained output of the Content
// Assembler (and, after enrichment, carries an AISummary too).
type DigestPayload struct {
	User            DigestUser      `json:"user"`
	ActivitySummary ActivitySummary `json:"activity_summary"`
	Sections        Sections        `json:"sections"`
	Metadata        Metadata        `json:"metadata"`
	AISummary       string          `json:"ai_summary,omitempty"`
}

// RenderedMessage is the inline-render output of the Renderer (C5).
type RenderedMessage struct {
	Subject string
	HTML    string
	Text    string
}

// TemplateParams is the provider-hosted-template parameter map output
// of the Renderer (C5).
type TemplateParams map[string]any

// OutboundEmail is the dispatcher's input: exactly one of Rendered or
// TemplateParams is populated, matching the renderer's mode.
type OutboundEmail struct {
	Rendered       *RenderedMessage
	TemplateID     string
	TemplateParams TemplateParams
	UnsubscribeURL string
	Tags           []string
}
