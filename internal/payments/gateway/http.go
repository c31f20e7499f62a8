// Package gateway implements the outbound payment port against a
// stripe-style REST API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldline/snapcalls/internal/config"
	paymentsdomain "github.com/fieldline/snapcalls/internal/payments/domain"
)

const defaultTimeout = 15 * time.Second

type HTTPGateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(apiKey, baseURL string) *HTTPGateway {
	return &HTTPGateway{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// NewFromConfig builds the production gateway, or the no-op gateway
// when no API key is configured.
func NewFromConfig(cfg config.Config) paymentsdomain.Gateway {
	if strings.TrimSpace(cfg.PaymentsAPIKey) == "" {
		return &NoOpGateway{}
	}
	return NewHTTPGateway(cfg.PaymentsAPIKey, cfg.PaymentsBaseURL)
}

func (g *HTTPGateway) ChargeStoredInstrument(ctx context.Context, customerID, instrumentID string, amount int64, description string) (string, error) {
	if customerID == "" || instrumentID == "" || amount <= 0 {
		return "", paymentsdomain.ErrChargeFailed
	}

	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("payment_method", instrumentID)
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", "usd")
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	form.Set("description", description)

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := g.post(ctx, "/v1/payment_intents", form, &resp); err != nil {
		return "", err
	}
	if resp.Status != "succeeded" {
		return "", fmt.Errorf("%w: intent status %s", paymentsdomain.ErrChargeFailed, resp.Status)
	}
	return resp.ID, nil
}

func (g *HTTPGateway) CreateRecurringSubscription(ctx context.Context, customerID, planID string) (string, error) {
	if customerID == "" || planID == "" {
		return "", paymentsdomain.ErrChargeFailed
	}

	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("items[0][price]", planID)

	var resp struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, "/v1/subscriptions", form, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (g *HTTPGateway) CancelRecurringSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		g.baseURL+"/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel subscription: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", paymentsdomain.ErrChargeFailed, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NoOpGateway succeeds trivially; used when payments are not
// configured, so development flows never hit a real provider.
type NoOpGateway struct{}

func (g *NoOpGateway) ChargeStoredInstrument(ctx context.Context, customerID, instrumentID string, amount int64, description string) (string, error) {
	return "noop-charge", nil
}

func (g *NoOpGateway) CreateRecurringSubscription(ctx context.Context, customerID, planID string) (string, error) {
	return "noop-subscription", nil
}

func (g *NoOpGateway) CancelRecurringSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}
