// Package domain contains persistence models for subscription tiers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier is the subscription level of an account.
type Tier string

const (
	TierBasic         Tier = "basic"
	TierMeteredPublic Tier = "metered_public"
)

// UpgradePath records which branch of the payment waterfall produced an
// upgrade.
type UpgradePath string

const (
	UpgradePathFunded UpgradePath = "funded"
	UpgradePathCard   UpgradePath = "card"
	UpgradePathManual UpgradePath = "manual"
)

// Subscription tracks one account's tier and usage counters. DirectCalls
// and WarningsSent reset on the monthly boundary; the tier itself only
// changes through upgrade, cancel, or payment failure.
type Subscription struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;uniqueIndex:ux_subscriptions_account"`
	Tier      Tier         `gorm:"type:text;not null;default:'basic'"`

	DirectCalls  int64 `gorm:"not null;default:0"`
	WarningsSent int   `gorm:"not null;default:0"`

	PaymentBlocked bool       `gorm:"not null;default:false"`
	BlockedAt      *time.Time `gorm:""`

	ProviderCustomerID   string `gorm:"type:text"`
	ProviderInstrumentID string `gorm:"type:text"`
	RecurringRef         string `gorm:"type:text"`

	UpgradePath UpgradePath `gorm:"type:text"`
	UpgradedAt  *time.Time  `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// HasInstrument reports whether a stored payment method is on file.
func (s Subscription) HasInstrument() bool {
	return s.ProviderCustomerID != "" && s.ProviderInstrumentID != ""
}
