package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"courier/pkg/types"
)

// LogSender writes notifications to the log. It is the default when no
// webhook is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify")}
}

func (s *LogSender) SendNotification(_ context.Context, userID string, n types.Notification) error {
	s.logger.Info("notification", "userID", userID, "type", n.Type, "title", n.Title, "message", n.Message)
	return nil
}

// WebhookSender POSTs each notification as JSON to a fixed URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

type webhookBody struct {
	UserID       string             `json:"userId"`
	Notification types.Notification `json:"notification"`
	SentAt       time.Time          `json:"sentAt"`
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) SendNotification(ctx context.Context, userID string, n types.Notification) error {
	body, err := json.Marshal(webhookBody{UserID: userID, Notification: n, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %s", resp.Status)
	}
	return nil
}
