package email

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/chrischrischristianyijin/quest-digest/internal/outcome"
	"github.com/chrischrischristianyijin/quest-digest/internal/repository"
	"github.com/chrischrischristianyijin/quest-digest/internal/telemetry"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// tracer/meter are resolved at package-init time; an operator wiring a
// real otel provider must call telemetry.Setup before constructing a
// Dispatcher for the configured exporters to take effect.
var (
	tracer = telemetry.Tracer()
	meter  = telemetry.Meter()
)

// digestTag labels every outbound digest so the provider can filter
// delivery events by campaign.
const digestTag = "weekly-digest"

// Transport delivers one outbound email and returns the message id the
// receiving system knows it by: the provider-issued messageId for the
// HTTP API (BrevoClient), or the minted Message-ID header for raw SMTP
// (Sender).
type Transport interface {
	Send(ctx context.Context, toAddress, toName string, out types.OutboundEmail) (string, error)
}

// Dispatcher sends outbound digest messages, bounding concurrency,
// pacing the outbound rate, and checking the recipient against the
// suppression list before every send. Retry bookkeeping lives on the
// digest record, not here.
type Dispatcher struct {
	sender  Transport
	repo    repository.Repository
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	sent, failed, suppressed metric.Int64Counter
	sendLatency              metric.Float64Histogram
}

// NewDispatcher constructs a Dispatcher bounded to maxConcurrent
// simultaneous sends and sendsPerSecond outbound messages (0 means
// unlimited).
func NewDispatcher(sender Transport, repo repository.Repository, maxConcurrent int64, sendsPerSecond float64) *Dispatcher {
	limit := rate.Inf
	if sendsPerSecond > 0 {
		limit = rate.Limit(sendsPerSecond)
	}
	d := &Dispatcher{
		sender:  sender,
		repo:    repo,
		sem:     semaphore.NewWeighted(maxConcurrent),
		limiter: rate.NewLimiter(limit, 1),
	}
	d.initMetrics()
	return d
}

func (d *Dispatcher) initMetrics() {
	var err error
	if d.sent, err = meter.Int64Counter("digest_emails_sent_total"); err != nil {
		log.Warn().Err(err).Msg("failed to register digest_emails_sent_total")
	}
	if d.failed, err = meter.Int64Counter("digest_emails_failed_total"); err != nil {
		log.Warn().Err(err).Msg("failed to register digest_emails_failed_total")
	}
	if d.suppressed, err = meter.Int64Counter("digest_emails_suppressed_total"); err != nil {
		log.Warn().Err(err).Msg("failed to register digest_emails_suppressed_total")
	}
	if d.sendLatency, err = meter.Float64Histogram("digest_email_send_latency_seconds"); err != nil {
		log.Warn().Err(err).Msg("failed to register digest_email_send_latency_seconds")
	}
}

// Dispatch validates and suppression-checks toAddress, sends out, and
// logs the resulting EmailEvent under the transport's message id. An
// empty, malformed, or suppressed address is rejected as
// outcome.Permanent without ever touching the transport. Transport
// failures keep their outcome category when the transport classified
// them itself (BrevoClient) and fall back to SMTP reply-code
// classification otherwise; permanent rejections also suppress the
// address, since a rejection that won't clear up on retry usually means
// the address is dead.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, toAddress, toName string, out types.OutboundEmail) (messageID string, err error) {
	ctx, span := tracer.Start(ctx, "email.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if toAddress == "" {
		return "", outcome.NewPermanent("empty_recipient", nil)
	}
	if _, parseErr := mail.ParseAddress(toAddress); parseErr != nil {
		return "", outcome.NewPermanent("invalid_recipient", parseErr)
	}

	suppressed, checkErr := d.repo.IsSuppressed(ctx, toAddress)
	if checkErr != nil {
		return "", outcome.NewTransient("suppression_check_failed", checkErr)
	}
	if suppressed {
		d.count(ctx, d.suppressed)
		return "", outcome.NewPermanent("address_suppressed", nil)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", outcome.NewTransient("semaphore_acquire_failed", err)
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		return "", outcome.NewTransient("rate_limit_wait_failed", err)
	}

	out.Tags = withDigestTag(out.Tags)

	start := time.Now()
	messageID, sendErr := d.sender.Send(ctx, toAddress, toName, out)
	elapsed := time.Since(start)
	if d.sendLatency != nil {
		d.sendLatency.Record(ctx, elapsed.Seconds())
	}

	if sendErr != nil {
		d.count(ctx, d.failed)
		if retryable(sendErr) {
			return "", outcome.NewTransient("send_failed", sendErr)
		}
		if suppressErr := d.repo.AddSuppression(ctx, types.SuppressionEntry{
			Email:     toAddress,
			Reason:    types.SuppressionBounce,
			CreatedAt: time.Now().UTC(),
		}); suppressErr != nil {
			log.Warn().Err(suppressErr).Str("to", toAddress).Msg("failed to suppress address after permanent send rejection")
		}
		return "", outcome.NewPermanent("send_rejected", sendErr)
	}

	d.count(ctx, d.sent)

	if logErr := d.repo.LogEmailEvent(ctx, types.EmailEvent{
		MessageID:  messageID,
		Event:      types.EventSent,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}); logErr != nil {
		log.Warn().Err(logErr).Str("message_id", messageID).Msg("failed to log sent email event")
	}

	return messageID, nil
}

// retryable honors a transport's own outcome classification when
// present and falls back to SMTP reply-code classification for raw
// transport errors.
func retryable(err error) bool {
	var oerr *outcome.Error
	if errors.As(err, &oerr) {
		return oerr.Category == outcome.Transient
	}
	return classifySendErr(err)
}

// withDigestTag returns tags with the digest label present exactly
// once.
func withDigestTag(tags []string) []string {
	for _, t := range tags {
		if t == digestTag {
			return tags
		}
	}
	return append([]string{digestTag}, tags...)
}

func (d *Dispatcher) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

// DispatchDryRun returns the dry-run sentinel message ID without
// contacting the transport; recording the digest is left to the caller.
func (d *Dispatcher) DispatchDryRun() string {
	return types.SentinelDryRun
}
