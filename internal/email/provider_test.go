package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-digest/internal/outcome"
	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

func newTestBrevo(t *testing.T, handler http.HandlerFunc) *BrevoClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBrevoClient("test-api-key", srv.URL, "digest@example.com", "Quest Digest", 0)
}

func TestBrevoSend_InlineContentReturnsProviderMessageID(t *testing.T) {
	var gotBody map[string]any
	var gotAPIKey, gotPath string

	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("api-key")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"messageId":"<202509.12345@smtp-relay.example.com>"}`))
	})

	out := types.OutboundEmail{
		Rendered: &types.RenderedMessage{
			Subject: "Your Weekly Digest — 2 new insights",
			HTML:    "<html><body>hi</body></html>",
			Text:    "hi",
		},
		UnsubscribeURL: "https://app.example.com/unsubscribe?token=tok",
		Tags:           []string{"weekly-digest"},
	}

	messageID, err := client.Send(context.Background(), "ada@example.com", "Ada", out)
	require.NoError(t, err)
	assert.Equal(t, "<202509.12345@smtp-relay.example.com>", messageID)

	assert.Equal(t, "test-api-key", gotAPIKey)
	assert.Equal(t, "/smtp/email", gotPath)
	assert.Equal(t, "Your Weekly Digest — 2 new insights", gotBody["subject"])
	assert.Equal(t, []any{"weekly-digest"}, gotBody["tags"])

	headers, ok := gotBody["headers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, headers["List-Unsubscribe"], "https://app.example.com/unsubscribe?token=tok")
	assert.Contains(t, headers["List-Unsubscribe"], "mailto:unsubscribe@example.com")
	assert.Equal(t, "List-Unsubscribe=One-Click", headers["List-Unsubscribe-Post"])
}

func TestBrevoSend_TemplateParamsMode(t *testing.T) {
	var gotBody map[string]any

	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"messageId":"m-2"}`))
	})

	out := types.OutboundEmail{
		TemplateID: "7",
		TemplateParams: types.TemplateParams{
			"params": map[string]any{"ai_summary": "• a good week"},
		},
	}

	messageID, err := client.Send(context.Background(), "ada@example.com", "Ada", out)
	require.NoError(t, err)
	assert.Equal(t, "m-2", messageID)

	assert.Equal(t, float64(7), gotBody["templateId"])
	assert.NotNil(t, gotBody["params"])
	assert.Nil(t, gotBody["htmlContent"])
}

func TestBrevoSend_NonNumericTemplateIDIsPermanent(t *testing.T) {
	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the provider")
	})

	_, err := client.Send(context.Background(), "a@example.com", "", types.OutboundEmail{TemplateID: "not-a-number"})

	var oerr *outcome.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, outcome.Permanent, oerr.Category)
}

func TestBrevoSend_RateLimitedIsTransient(t *testing.T) {
	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":"too_many_requests"}`))
	})

	_, err := client.Send(context.Background(), "a@example.com", "", renderedOut())
	assert.True(t, outcome.IsTransient(err))
}

func TestBrevoSend_ServerErrorIsTransient(t *testing.T) {
	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Send(context.Background(), "a@example.com", "", renderedOut())
	assert.True(t, outcome.IsTransient(err))
}

func TestBrevoSend_BadRequestIsPermanent(t *testing.T) {
	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"invalid_parameter","message":"email is not valid"}`))
	})

	_, err := client.Send(context.Background(), "not-an-address", "", renderedOut())

	var oerr *outcome.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, outcome.Permanent, oerr.Category)
}

func TestBrevoSend_MissingMessageIDIsTransient(t *testing.T) {
	client := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})

	_, err := client.Send(context.Background(), "a@example.com", "", renderedOut())
	assert.True(t, outcome.IsTransient(err))
}
