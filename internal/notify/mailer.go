// Package notify holds the outbound notification collaborator. Delivery is
// external to this service; implementations here hand messages off and
// nothing in the auth flow depends on them succeeding.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type Mailer interface {
	SendWelcome(ctx context.Context, email, name string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// WebhookMailer posts mail requests to an external delivery endpoint.
type WebhookMailer struct {
	url    string
	client *http.Client
}

func NewWebhookMailer(url string, timeout time.Duration) *WebhookMailer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookMailer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type mailPayload struct {
	Template string         `json:"template"`
	To       string         `json:"to"`
	Data     map[string]any `json:"data,omitempty"`
}

func (m *WebhookMailer) SendWelcome(ctx context.Context, email, name string) error {
	return m.post(ctx, mailPayload{
		Template: "welcome",
		To:       email,
		Data:     map[string]any{"name": name},
	})
}

func (m *WebhookMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	return m.post(ctx, mailPayload{
		Template: "password_reset",
		To:       email,
		Data:     map[string]any{"token": token},
	})
}

func (m *WebhookMailer) post(ctx context.Context, payload mailPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post mail webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// LogMailer is the fallback when no webhook is configured. It logs the
// dispatch and drops the message; useful for development.
type LogMailer struct {
	logger *logrus.Logger
}

func NewLogMailer(logger *logrus.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendWelcome(ctx context.Context, email, name string) error {
	m.logger.WithFields(logrus.Fields{"to": email, "template": "welcome"}).Info("mail_dropped")
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	// The token itself is never logged.
	m.logger.WithFields(logrus.Fields{"to": email, "template": "password_reset"}).Info("mail_dropped")
	return nil
}
