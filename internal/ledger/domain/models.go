package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

// LedgerSourceType names the business event behind a posting.
type LedgerSourceType string

const (
	SourceTypeCallCharge      LedgerSourceType = "call_charge"      // per-call fee
	SourceTypeReplyCharge     LedgerSourceType = "reply_charge"     // deferred two-way fee
	SourceTypeDeposit         LedgerSourceType = "deposit"          // funds added via payment provider
	SourceTypeDepositBonus    LedgerSourceType = "deposit_bonus"    // promotional top-up
	SourceTypeSetupFee        LedgerSourceType = "setup_fee"        // one-time onboarding fee
	SourceTypeSubscriptionFee LedgerSourceType = "subscription_fee" // recurring tier fee
	SourceTypeTemplateFee     LedgerSourceType = "template_fee"     // paid template change
	SourceTypeAdjustment      LedgerSourceType = "adjustment"       // manual correction
)

// Wallet holds the prepaid balance for an account. Balance is integer
// cents and never goes negative.
type Wallet struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_account"`
	Balance   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// LedgerEntry is an immutable posting against a wallet. The
// (account_id, source_type, source_id) key makes postings idempotent.
type LedgerEntry struct {
	ID           snowflake.ID         `gorm:"primaryKey"`
	AccountID    snowflake.ID         `gorm:"not null;index;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceType   LedgerSourceType     `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	SourceID     string               `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:3"`
	Direction    LedgerEntryDirection `gorm:"type:text;not null"`
	Amount       int64                `gorm:"not null"`
	BalanceAfter int64                `gorm:"not null"`
	Description  string               `gorm:"type:text"`
	Metadata     datatypes.JSONMap    `gorm:"type:jsonb"`
	CreatedAt    time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }
