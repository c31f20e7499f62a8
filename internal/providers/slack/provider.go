package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

// WebhookProvider posts messages through an incoming-webhook URL.
type WebhookProvider struct {
	cfg    Config
	client *http.Client
}

func NewWebhook(cfg Config) *WebhookProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("slack: empty message")
	}

	body, err := json.Marshal(map[string]string{
		"channel": channelID,
		"text":    message,
	})
	if err != nil {
		return fmt.Errorf("slack: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack: webhook returned %d", resp.StatusCode)
	}
	return nil
}
