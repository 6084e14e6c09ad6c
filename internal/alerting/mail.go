package alerting

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/storage"
	"funding-alerts/internal/version"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ResendMailer sends through the Resend API client.
type ResendMailer struct {
	client *resend.Client
	logger zerolog.Logger
}

// NewResendMailer constructs a Resend mailer. An empty baseURL keeps the
// client's default endpoint.
func NewResendMailer(apiKey, baseURL string, timeout time.Duration, logger zerolog.Logger) (*ResendMailer, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resend.NewCustomClient(&http.Client{Timeout: timeout}, apiKey)
	client.UserAgent = version.UserAgent()
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		u, err := url.Parse(base + "/")
		if err != nil {
			return nil, fmt.Errorf("parse mail api base: %w", err)
		}
		client.BaseURL = u
	}
	return &ResendMailer{
		client: client,
		logger: logger.With().Str("component", "alert_mail").Logger(),
	}, nil
}

// Send delivers the message to its single recipient.
func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("mail recipient is empty")
	}

	sent, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
		Html:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("mail provider rejected message: %w", err)
	}

	id := ""
	if sent != nil {
		id = sent.Id
	}
	m.logger.Info().Str("subject", msg.Subject).Str("id", id).Msg("mail sent")
	return nil
}

// FormatPct renders a percent value with four decimals.
func FormatPct(v decimal.Decimal) string {
	return v.StringFixed(4) + "%"
}

// Condition renders "above 0.0500%" style descriptions.
func Condition(direction storage.Direction, threshold decimal.Decimal) string {
	return fmt.Sprintf("%s %s", direction, FormatPct(threshold))
}

// RateLink points at the rate page of a pair.
func RateLink(baseURL, exchange, symbol string) string {
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/rate/%s/%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(strings.ToLower(exchange)),
		url.PathEscape(strings.ToUpper(symbol)))
}

// ComposeMail renders the subject, plain text and HTML body of an alert email.
func ComposeMail(note Notification, from, to string) Message {
	venue := strings.ToUpper(note.Exchange)
	sym := strings.ToUpper(note.Symbol)
	cond := Condition(note.Direction, note.ThresholdPct)
	rate := FormatPct(note.RatePct)
	at := note.At.UTC().Format("2006-01-02 15:04:05 MST")

	subject := fmt.Sprintf("[Funding Rate Alert] %s / %s reached its condition", venue, sym)

	lines := []string{
		"Your funding rate alert was triggered.",
		"",
		"Exchange: " + venue,
		"Symbol: " + sym,
		"Condition: " + cond,
		"Current rate: " + rate,
		"Evaluated at: " + at,
	}
	if note.Link != "" {
		lines = append(lines, "", "Rate page: "+note.Link)
	}
	lines = append(lines, "", "This email was sent automatically.")

	var b strings.Builder
	b.WriteString(`<div style="font-family: ui-sans-serif, system-ui, sans-serif; line-height:1.6;">`)
	b.WriteString(`<h2 style="margin:0 0 10px;">Funding rate alert</h2>`)
	for _, row := range [][2]string{
		{"Exchange", venue},
		{"Symbol", sym},
		{"Condition", cond},
		{"Current rate", rate},
		{"Evaluated at", at},
	} {
		fmt.Fprintf(&b, "<div><b>%s:</b> %s</div>", row[0], html.EscapeString(row[1]))
	}
	if note.Link != "" {
		fmt.Fprintf(&b, `<div style="margin-top:14px;"><a href="%s">Open rate page</a></div>`, html.EscapeString(note.Link))
	}
	b.WriteString(`<div style="margin-top:16px; color:#6b7280; font-size:12px;">This email was sent automatically.</div></div>`)

	return Message{
		From:    from,
		To:      to,
		Subject: subject,
		Text:    strings.Join(lines, "\n"),
		HTML:    b.String(),
	}
}

// ComposeTestMail renders a short message that confirms mail delivery works.
func ComposeTestMail(from, to string, at time.Time) Message {
	stamp := at.UTC().Format("2006-01-02 15:04:05 MST")
	text := "Mail delivery for funding rate alerts is working.\n\nSent at: " + stamp
	return Message{
		From:    from,
		To:      to,
		Subject: "[Funding Rate Alert] Test message",
		Text:    text,
		HTML: `<div style="font-family: ui-sans-serif, system-ui, sans-serif; line-height:1.6;">` +
			`<h2 style="margin:0 0 10px;">Mail delivery is working</h2>` +
			"<div><b>Sent at:</b> " + html.EscapeString(stamp) + "</div></div>",
	}
}

var _ Mailer = (*ResendMailer)(nil)
