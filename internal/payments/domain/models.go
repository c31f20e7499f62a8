// Package domain defines the payment-provider boundary: the outbound
// gateway port, the inbound webhook adapter contract, and the persisted
// event record used for webhook dedup.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrDuplicateEvent   = errors.New("duplicate_payment_event")
	ErrChargeFailed     = errors.New("charge_failed")
)

const (
	EventTypePaymentSucceeded    = "payment_succeeded"
	EventTypePaymentFailed       = "payment_failed"
	EventTypeSubscriptionDeleted = "subscription_deleted"
)

// PurposeDeposit and PurposeSubscription classify what a payment was
// for, carried in provider metadata.
const (
	PurposeDeposit      = "deposit"
	PurposeSubscription = "subscription"
)

// EventRecord stores every accepted webhook event. The unique index on
// (provider, provider_event_id) makes redelivery a no-op.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	AccountID       snowflake.ID   `json:"account_id" gorm:"not null;index"`
	Amount          int64          `json:"amount" gorm:"not null;default:0"`
	Purpose         string         `json:"purpose" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }

// PaymentEvent is the canonical event parsed by provider adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	AccountID       snowflake.ID
	Amount          int64
	Currency        string
	Purpose         string
	RecurringRef    string
	OccurredAt      time.Time
	RawPayload      []byte
}

// Adapter verifies and parses one provider's webhook payloads.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// Gateway is the outbound port to the payment provider.
type Gateway interface {
	// ChargeStoredInstrument charges the customer's saved payment
	// method off-session. Returns the provider charge id.
	ChargeStoredInstrument(ctx context.Context, customerID, instrumentID string, amount int64, description string) (string, error)

	// CreateRecurringSubscription starts the recurring tier fee.
	// Returns the provider subscription id.
	CreateRecurringSubscription(ctx context.Context, customerID, planID string) (string, error)

	CancelRecurringSubscription(ctx context.Context, subscriptionID string) error
}
