// Package domain contains the billable event models. A BillableEvent is
// created exactly once per provider call SID; the unique index on the
// SID is the dedup claim under concurrent webhook deliveries.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	"gorm.io/datatypes"
)

// Classification selects the response template for a call.
type Classification string

const (
	ClassificationStandard   Classification = "standard"
	ClassificationVoicemail  Classification = "voicemail"
	ClassificationAfterHours Classification = "after_hours"
)

// DeliveryStatus records the outcome of the outbound response attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// BillingStatus tracks the debit for an event.
type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingCharged BillingStatus = "charged"
	// BillingSkippedBalance marks events dropped at a balance gate
	// before any send attempt; nothing was charged.
	BillingSkippedBalance BillingStatus = "skipped_insufficient"
	// BillingUncharged marks delivery failures under the legacy policy
	// where failed sends are not billed.
	BillingUncharged BillingStatus = "uncharged"
	// BillingReconcile marks a send that happened but whose debit
	// failed. Requires manual reconciliation, never retried blindly.
	BillingReconcile BillingStatus = "pending_reconciliation"
)

// BillableEvent is one missed call: claimed once per ProviderCallSID,
// classified, priced, and billed. Rows are append-mostly; after the
// pipeline completes only the deferred two-way reply fields change.
type BillableEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	AccountID       snowflake.ID `gorm:"not null;index"`
	ProviderCallSID string       `gorm:"column:provider_call_sid;type:text;not null;uniqueIndex:ux_billable_events_call_sid"`

	CallerNumber string `gorm:"type:text;not null;index:ix_billable_events_caller"`
	CallerName   string `gorm:"type:text"`
	HasVoicemail bool   `gorm:"not null;default:false"`

	Classification Classification            `gorm:"type:text;not null;default:'standard'"`
	Features       accountdomain.FeatureFlags `gorm:"embedded;embeddedPrefix:feature_"`
	VIPCaller      bool                      `gorm:"column:vip_caller;not null;default:false"`
	RepeatCaller   bool                      `gorm:"not null;default:false"`

	CostBreakdown datatypes.JSON `gorm:"type:jsonb"`
	CostTotal     int64          `gorm:"not null;default:0"`

	// TwoWayCost stays zero until the caller replies; the deferred
	// reply charge claims the event by flipping it from zero exactly
	// once.
	TwoWayCost int64      `gorm:"not null;default:0"`
	RepliedAt  *time.Time `gorm:""`

	DeliveryStatus DeliveryStatus `gorm:"type:text;not null;default:'pending'"`
	DeliverySID    string         `gorm:"column:delivery_sid;type:text"`
	BillingStatus  BillingStatus  `gorm:"type:text;not null;default:'pending'"`

	OccurredAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillableEvent) TableName() string { return "billable_events" }

// FollowUpStatus tracks pending follow-up sends.
type FollowUpStatus string

const (
	FollowUpPending FollowUpStatus = "pending"
	FollowUpSent    FollowUpStatus = "sent"
	FollowUpFailed  FollowUpStatus = "failed"
)

// FollowUp is one scheduled sequence message for a billable event.
// Created exactly once per event when the sequences feature is on,
// dispatched by the scheduler when SendAt passes.
type FollowUp struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	EventID   snowflake.ID `gorm:"not null;index"`
	AccountID snowflake.ID `gorm:"not null;index"`

	SendAt time.Time      `gorm:"not null;index:ix_follow_ups_due,priority:2"`
	Status FollowUpStatus `gorm:"type:text;not null;default:'pending';index:ix_follow_ups_due,priority:1"`
	Body   string         `gorm:"type:text;not null"`

	SentAt      *time.Time `gorm:""`
	ProviderSID string     `gorm:"column:provider_sid;type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FollowUp) TableName() string { return "follow_ups" }
