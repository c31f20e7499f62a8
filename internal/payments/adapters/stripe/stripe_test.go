package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentsdomain "github.com/fieldline/snapcalls/internal/payments/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	header := http.Header{}
	header.Set("Stripe-Signature", buildSignatureHeader(secret, payload, timestamp))

	adapter := NewAdapter(secret)
	if err := adapter.Verify(context.Background(), payload, header); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	header.Set("Stripe-Signature", buildSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, paymentsdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	header.Del("Stripe-Signature")
	if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, paymentsdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestVerifyWithoutSecretAcceptsAll(t *testing.T) {
	adapter := NewAdapter("")
	if err := adapter.Verify(context.Background(), []byte(`{}`), http.Header{}); err != nil {
		t.Fatalf("expected verification to pass without secret, got %v", err)
	}
}

func TestParsePaymentEvents(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	accountID := node.Generate().String()
	created := time.Now().UTC().Unix()

	tests := []struct {
		name     string
		event    any
		wantType string
		amount   int64
		purpose  string
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_1",
					"amount":          2500,
					"amount_received": 2500,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"account_id": accountID,
						"purpose":    "deposit",
					},
				},
			},
		},
		wantType: paymentsdomain.EventTypePaymentSucceeded,
		amount:   2500,
		purpose:  paymentsdomain.PurposeDeposit,
	}, {
		name: "payment_intent.payment_failed",
		event: map[string]any{
			"id":      "evt_fail",
			"type":    "payment_intent.payment_failed",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":       "pi_2",
					"amount":   2000,
					"currency": "usd",
					"created":  created,
					"metadata": map[string]any{
						"account_id": accountID,
						"purpose":    "subscription",
					},
				},
			},
		},
		wantType: paymentsdomain.EventTypePaymentFailed,
		amount:   2000,
		purpose:  paymentsdomain.PurposeSubscription,
	}}

	adapter := NewAdapter("whsec_test")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, event.Type)
			}
			if event.Amount != tt.amount {
				t.Fatalf("expected amount %d, got %d", tt.amount, event.Amount)
			}
			if event.AccountID.String() != accountID {
				t.Fatalf("expected account %s, got %s", accountID, event.AccountID)
			}
			if event.Purpose != tt.purpose {
				t.Fatalf("expected purpose %s, got %s", tt.purpose, event.Purpose)
			}
			if event.Currency != "USD" {
				t.Fatalf("expected currency USD, got %s", event.Currency)
			}
		})
	}
}

func TestParseSubscriptionDeleted(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	accountID := node.Generate().String()

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_sub_del",
		"type":    "customer.subscription.deleted",
		"created": time.Now().UTC().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       "sub_42",
				"metadata": map[string]any{"account_id": accountID},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := NewAdapter("whsec_test")
	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Type != paymentsdomain.EventTypeSubscriptionDeleted {
		t.Fatalf("expected subscription deleted, got %s", event.Type)
	}
	if event.RecurringRef != "sub_42" {
		t.Fatalf("expected recurring ref sub_42, got %s", event.RecurringRef)
	}
}

func TestParseIgnoresUnknownEvents(t *testing.T) {
	adapter := NewAdapter("whsec_test")
	payload := []byte(`{"id":"evt_x","type":"charge.dispute.created","data":{"object":{}}}`)
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentsdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
}

func TestParseRejectsMissingAccount(t *testing.T) {
	adapter := NewAdapter("whsec_test")
	payload := []byte(`{"id":"evt_y","type":"payment_intent.succeeded","data":{"object":{"id":"pi_9","amount":100,"currency":"usd","metadata":{}}}}`)
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentsdomain.ErrInvalidAccount) {
		t.Fatalf("expected invalid account, got %v", err)
	}
}

func buildSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
