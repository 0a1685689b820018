// Package render turns a DigestPayload into either a fully rendered
// email (subject/html/text) or a provider-hosted-template parameter
// map.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/chrischrischristianyijin/quest-digest/pkg/types"
)

// Mode selects the renderer's output shape.
type Mode string

const (
	// ModeInline renders a complete subject/html/text message.
	ModeInline Mode = "inline"
	// ModeTemplateParams emits a parameter map for a provider-hosted template.
	ModeTemplateParams Mode = "template_params"
)

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"truncate": func(max int, s string) string {
		if len(s) <= max {
			return s
		}
		return s[:max-3] + "..."
	},
	"formatDate": func(t time.Time) string {
		return t.Format("Jan 2, 2006")
	},
}

// Renderer renders digest payloads in either output mode.
type Renderer struct {
	mode               Mode
	htmlTmpl           *template.Template
	textTmpl           *template.Template
	appBaseURL         string
	unsubscribeBaseURL string
}

// New parses the inline templates (used only when mode is ModeInline)
// and returns a Renderer.
func New(mode Mode, appBaseURL, unsubscribeBaseURL string) (*Renderer, error) {
	htmlTmpl, err := template.New("digest_html").Funcs(templateFuncs).Parse(digestHTMLTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse digest html template: %w", err)
	}
	textTmpl, err := template.New("digest_text").Funcs(templateFuncs).Parse(digestTextTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse digest text template: %w", err)
	}

	return &Renderer{
		mode:               mode,
		htmlTmpl:           htmlTmpl,
		textTmpl:           textTmpl,
		appBaseURL:         appBaseURL,
		unsubscribeBaseURL: unsubscribeBaseURL,
	}, nil
}

// Mode reports which output shape this Renderer was built for.
func (r *Renderer) Mode() Mode {
	return r.mode
}

// templateData is the shape fed to the inline html/text templates.
type templateData struct {
	types.DigestPayload
	UnsubscribeURL string
	LoginURL       string
	GeneratedAt    string
}

func (r *Renderer) data(payload types.DigestPayload, unsubscribeToken string) templateData {
	return templateData{
		DigestPayload:  payload,
		UnsubscribeURL: r.unsubscribeBaseURL + "?token=" + unsubscribeToken,
		LoginURL:       r.appBaseURL,
		GeneratedAt:    payload.Metadata.GeneratedAt.Format("Jan 2, 2006 at 3:04 PM MST"),
	}
}

// RenderInline produces a complete email message. Deterministic given
// the same payload and token; the only field that varies run to run is
// Metadata.GeneratedAt, which the caller stamps before rendering.
func (r *Renderer) RenderInline(payload types.DigestPayload, unsubscribeToken string) (types.RenderedMessage, error) {
	data := r.data(payload, unsubscribeToken)

	var htmlBuf, textBuf bytes.Buffer
	if err := r.htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return types.RenderedMessage{}, fmt.Errorf("render html: %w", err)
	}
	if err := r.textTmpl.Execute(&textBuf, data); err != nil {
		return types.RenderedMessage{}, fmt.Errorf("render text: %w", err)
	}

	return types.RenderedMessage{
		Subject: subjectFor(payload),
		HTML:    htmlBuf.String(),
		Text:    textBuf.String(),
	}, nil
}

// RenderTemplateParams produces the parameter map handed to a
// provider-hosted template. The user/sections/activity_summary/metadata
// blocks are passed through verbatim so the hosted template sees the
// same shape the inline templates do.
func (r *Renderer) RenderTemplateParams(payload types.DigestPayload, unsubscribeToken string) types.TemplateParams {
	tags := collectTags(payload)

	return types.TemplateParams{
		"user":             payload.User,
		"sections":         payload.Sections,
		"activity_summary": payload.ActivitySummary,
		"metadata":         payload.Metadata,
		"params": map[string]any{
			"tags":            tags,
			"ai_summary":      payload.AISummary,
			"login_url":       r.appBaseURL,
			"unsubscribe_url": r.unsubscribeBaseURL + "?token=" + unsubscribeToken,
		},
	}
}

func collectTags(payload types.DigestPayload) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tags []string) {
		for _, t := range tags {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	for _, h := range payload.Sections.Highlights {
		add(h.Tags)
	}
	for _, m := range payload.Sections.MoreContent {
		add(m.Tags)
	}
	return out
}

func subjectFor(payload types.DigestPayload) string {
	n := payload.ActivitySummary.TotalInsights
	if payload.Metadata.Skipped || n == 0 {
		return "Your Weekly Digest"
	}
	return fmt.Sprintf("Your Weekly Digest — %d new insights", n)
}

const digestHTMLTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.User.DisplayName}}'s weekly digest</title></head>
<body style="font-family:-apple-system,sans-serif;color:#1a1a1a;max-width:600px;margin:0 auto;">
  <h1 style="font-size:20px;">Hi {{.User.DisplayName}},</h1>
  {{if .AISummary}}<p style="white-space:pre-line;">{{.AISummary}}</p>{{end}}
  {{if .Sections.Highlights}}
  <h2 style="font-size:16px;">Highlights</h2>
  <ul>
  {{range .Sections.Highlights}}
    <li><strong>{{.Title | truncate 100}}</strong>{{if .Summary}} — {{.Summary | truncate 160}}{{end}}</li>
  {{end}}
  </ul>
  {{end}}
  {{if .Sections.MoreContent}}
  <h2 style="font-size:16px;">More from this week</h2>
  <ul>
  {{range .Sections.MoreContent}}
    <li>{{.Title | truncate 80}}</li>
  {{end}}
  </ul>
  {{end}}
  {{if .Sections.Stacks}}
  <h2 style="font-size:16px;">Updated stacks</h2>
  <ul>
  {{range .Sections.Stacks}}
    <li>{{.Name}} ({{.ItemCount}} items)</li>
  {{end}}
  </ul>
  {{end}}
  {{if .Sections.Suggestions}}
  <h2 style="font-size:16px;">Try this</h2>
  <ul>
  {{range .Sections.Suggestions}}
    <li>{{.Text}}</li>
  {{end}}
  </ul>
  {{end}}
  <p style="font-size:12px;color:#888;">
    Sent {{.GeneratedAt}}. <a href="{{.UnsubscribeURL}}">Unsubscribe</a> from weekly digests.
  </p>
</body>
</html>`

const digestTextTemplate = `Hi {{.User.DisplayName}},
{{if .AISummary}}
{{.AISummary}}
{{end}}
{{if .Sections.Highlights}}HIGHLIGHTS
{{range .Sections.Highlights}}- {{.Title}}{{if .Summary}}: {{.Summary}}{{end}}
{{end}}{{end}}
{{if .Sections.MoreContent}}MORE FROM THIS WEEK
{{range .Sections.MoreContent}}- {{.Title}}
{{end}}{{end}}
{{if .Sections.Stacks}}UPDATED STACKS
{{range .Sections.Stacks}}- {{.Name}} ({{.ItemCount}} items)
{{end}}{{end}}
{{if .Sections.Suggestions}}TRY THIS
{{range .Sections.Suggestions}}- {{.Text}}
{{end}}{{end}}
Sent {{.GeneratedAt}}.
Unsubscribe: {{.UnsubscribeURL}}
`
