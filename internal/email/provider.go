package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/internal/outcome"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

const (
	defaultProviderBaseURL = "https://api.brevo.com/v3"
	defaultProviderTimeout = 30 * time.Second
)

// BrevoClient sends digests through the Brevo transactional email API.
// It supports both inline-rendered content and provider-hosted
// templates, and returns the provider-issued messageId.
type BrevoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	fromEmail  string
	fromName   string
}

// NewBrevoClient constructs a BrevoClient. baseURL defaults to the
// public Brevo endpoint; override it for tests or a regional proxy.
func NewBrevoClient(apiKey, baseURL, fromEmail, fromName string, timeout time.Duration) *BrevoClient {
	if baseURL == "" {
		baseURL = defaultProviderBaseURL
	}
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &BrevoClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		fromName:   fromName,
	}
}

type brevoRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendRequest struct {
	Sender      brevoRecipient    `json:"sender"`
	To          []brevoRecipient  `json:"to"`
	Subject     string            `json:"subject,omitempty"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	TemplateID  int64             `json:"templateId,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

// Send posts out to the provider's transactional endpoint and returns
// the provider's messageId. Rate-limit and server-side failures come
// back as outcome.Transient; request rejections as outcome.Permanent.
func (c *BrevoClient) Send(ctx context.Context, toAddress, toName string, out types.OutboundEmail) (string, error) {
	req := brevoSendRequest{
		Sender: brevoRecipient{Email: c.fromEmail, Name: c.fromName},
		To:     []brevoRecipient{{Email: toAddress, Name: toName}},
		Tags:   out.Tags,
	}
	if out.UnsubscribeURL != "" {
		req.Headers = map[string]string{
			"List-Unsubscribe":      listUnsubscribeValue(out.UnsubscribeURL, c.fromEmail),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}

	switch {
	case out.TemplateID != "":
		templateID, err := strconv.ParseInt(out.TemplateID, 10, 64)
		if err != nil {
			return "", outcome.NewPermanent("invalid_template_id", err)
		}
		req.TemplateID = templateID
		req.Params = out.TemplateParams
	case out.Rendered != nil:
		req.Subject = out.Rendered.Subject
		req.HTMLContent = out.Rendered.HTML
		req.TextContent = out.Rendered.Text
	default:
		return "", outcome.NewPermanent("empty_outbound_message", nil)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", outcome.NewPermanent("marshal_send_request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/smtp/email", bytes.NewReader(body))
	if err != nil {
		return "", outcome.NewPermanent("build_send_request", err)
	}
	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", outcome.NewTransient("provider_request_failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", outcome.NewTransient("provider_response_read_failed", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", outcome.NewTransient("provider_unavailable", fmt.Errorf("provider returned %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode >= 400 {
		return "", outcome.NewPermanent("provider_rejected", fmt.Errorf("provider returned %d: %s", resp.StatusCode, raw))
	}

	var parsed brevoSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", outcome.NewTransient("provider_response_invalid", err)
	}
	if parsed.MessageID == "" {
		return "", outcome.NewTransient("provider_response_missing_message_id", fmt.Errorf("provider returned %d with no messageId", resp.StatusCode))
	}

	log.Debug().Str("message_id", parsed.MessageID).Str("to", toAddress).Msg("provider accepted digest email")
	return parsed.MessageID, nil
}
