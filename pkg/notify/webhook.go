package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
)

// WebhookChannel posts each message as a JSON document
type WebhookChannel struct {
	url      string
	headers  map[string]string
	hostname string
	client   *http.Client
	logger   logging.Logger
}

type webhookPayload struct {
	User   string    `json:"user"`
	Text   string    `json:"text"`
	Host   string    `json:"host"`
	SentAt time.Time `json:"sent_at"`
}

func NewWebhookChannel(cfg *config.WebhookConfig, timeout time.Duration, logger logging.Logger) *WebhookChannel {
	hostname, _ := os.Hostname()
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &WebhookChannel{
		url:      cfg.URL,
		headers:  headers,
		hostname: hostname,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (w *WebhookChannel) Name() string {
	return config.ChannelWebhook
}

func (w *WebhookChannel) Send(ctx context.Context, user, message string) error {
	payload, err := json.Marshal(webhookPayload{
		User:   user,
		Text:   message,
		Host:   w.hostname,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.NewInternalError("failed to encode webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewNotificationError("failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("webhook request failed", err).WithContext("url", w.url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewNotificationError(fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode), nil).
			WithContext("url", w.url).
			WithContext("status", resp.StatusCode)
	}

	w.logger.Infof("Webhook notification sent for user %s", user)
	return nil
}
