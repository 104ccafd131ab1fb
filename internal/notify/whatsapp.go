// Package notify sends WhatsApp messages through the Twilio REST API. The
// sender doubles as the pipeline's escalation collaborator: urgent calls turn
// into a message to the on-call staff number.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const messagesURLTemplate = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"

// Sender sends WhatsApp messages via Twilio.
type Sender struct {
	accountSID string
	authToken  string
	from       string
	to         string
	dryRun     bool

	httpClient *http.Client
}

type SenderOption func(*Sender)

// WithDryRun logs messages instead of sending them. Used in tests and local
// development where no Twilio credentials exist.
func WithDryRun() SenderOption {
	return func(s *Sender) { s.dryRun = true }
}

func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = client }
}

// NewSender builds a WhatsApp sender. From and to are E.164 numbers without
// the "whatsapp:" prefix.
func NewSender(accountSID, authToken, from, to string, opts ...SenderOption) (*Sender, error) {
	s := &Sender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		to:         to,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.dryRun && (s.accountSID == "" || s.authToken == "") {
		return nil, fmt.Errorf("notify: twilio credentials are required outside dry-run mode")
	}
	return s, nil
}

// Send delivers one WhatsApp message to the configured staff number.
func (s *Sender) Send(ctx context.Context, body string) error {
	if s.dryRun {
		slog.Info("dry-run whatsapp message", "to", s.to, "body", body)
		return nil
	}

	form := url.Values{}
	form.Set("From", "whatsapp:"+s.from)
	form.Set("To", "whatsapp:"+s.to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf(messagesURLTemplate, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: failed to build request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}

// Escalate satisfies the pipeline's escalation collaborator contract: it
// messages the staff number about an urgent call.
func (s *Sender) Escalate(ctx context.Context, sessionID string, caller string, summary string) error {
	if summary == "" {
		summary = "no summary captured"
	}
	body := fmt.Sprintf("Urgent call from %s needs follow-up.\nSummary: %s\nSession: %s", caller, summary, sessionID)
	return s.Send(ctx, body)
}

// BookingConfirmed messages the staff number about a new appointment.
func (s *Sender) BookingConfirmed(ctx context.Context, name, phone, date, timeOfDay, ref string) error {
	body := fmt.Sprintf("New booking %s: %s (%s) on %s at %s", ref, name, phone, date, timeOfDay)
	return s.Send(ctx, body)
}
