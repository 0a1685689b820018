// Package email implements outbound transports (provider HTTP API and
// SMTP), dispatch with suppression checks, and HMAC-signed unsubscribe
// links for the weekly digest.
package email

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"

	"github.com/chrischrischristianyijin/quest-digest/internal/outcome"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// Config configures the SMTP transport.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	TLS           bool
	FromAddress   string
	FromName      string
	RetryAttempts int
	RetryDelay    time.Duration
	SecretKey     string
}

// Sender sends rendered digest messages over SMTP. It only supports
// inline-rendered content; template-parameter sends need the provider
// API (see BrevoClient).
type Sender struct {
	dialer        *gomail.Dialer
	fromAddress   string
	fromName      string
	retryAttempts int
	retryDelay    time.Duration
	secretKey     string
}

// NewSender constructs a Sender from cfg.
func NewSender(cfg Config) *Sender {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.TLS {
		dialer.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}

	return &Sender{
		dialer:        dialer,
		fromAddress:   cfg.FromAddress,
		fromName:      cfg.FromName,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		secretKey:     cfg.SecretKey,
	}
}

// Send dispatches out.Rendered to toAddress, attaching List-Unsubscribe
// headers (HTTPS URL plus mailto: alternative) and the message tags.
// The returned message id is minted here and stamped into the
// Message-ID header, so delivery events can be correlated back to it.
// Retries up to retryAttempts times with a linear backoff, aborting
// early if ctx is canceled.
func (s *Sender) Send(ctx context.Context, toAddress, toName string, out types.OutboundEmail) (string, error) {
	if out.Rendered == nil {
		return "", outcome.NewPermanent("template_sends_require_provider_api", nil)
	}
	msg := *out.Rendered

	messageID := uuid.New().String() + "@" + domainOf(s.fromAddress)

	m := gomail.NewMessage()
	if s.fromName != "" {
		m.SetHeader("From", m.FormatAddress(s.fromAddress, s.fromName))
	} else {
		m.SetHeader("From", s.fromAddress)
	}
	if toName != "" {
		m.SetHeader("To", m.FormatAddress(toAddress, toName))
	} else {
		m.SetHeader("To", toAddress)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetHeader("X-Mailer", "quest-weekly-digest/1.0")
	if len(out.Tags) > 0 {
		m.SetHeader("X-Mailin-Tag", strings.Join(out.Tags, ","))
	}
	if out.UnsubscribeURL != "" {
		m.SetHeader("List-Unsubscribe", listUnsubscribeValue(out.UnsubscribeURL, s.fromAddress))
		m.SetHeader("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)

	var lastErr error
	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
			log.Debug().Int("attempt", attempt).Str("to", toAddress).Msg("retrying digest email send")
		}

		if err := s.dialer.DialAndSend(m); err != nil {
			lastErr = err
			continue
		}
		return messageID, nil
	}
	return "", fmt.Errorf("send digest email after %d attempts: %w", s.retryAttempts+1, lastErr)
}

// domainOf extracts the domain part of an email address, for building
// the Message-ID and the unsubscribe mailbox.
func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return address[i+1:]
	}
	return "localhost"
}

// listUnsubscribeValue builds the List-Unsubscribe header value: the
// HTTPS token URL plus a mailto: alternative on the sender's domain.
func listUnsubscribeValue(unsubscribeURL, fromAddress string) string {
	return fmt.Sprintf("<%s>, <mailto:unsubscribe@%s>", unsubscribeURL, domainOf(fromAddress))
}

// SignUnsubscribeToken HMAC-signs userID so an unsubscribe link cannot
// be forged for a different user. With no secret key configured it
// falls back to plain base64, which is not tamper-evident.
func SignUnsubscribeToken(secretKey, userID string) string {
	if secretKey == "" {
		return base64.URLEncoding.EncodeToString([]byte(userID))
	}
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(userID))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
