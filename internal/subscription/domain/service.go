package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrAlreadyUpgraded      = errors.New("already_upgraded")
	ErrPaymentBlocked       = errors.New("payment_blocked")
	ErrNoPaymentMethod      = errors.New("no_payment_method")
)

// Transition describes a tier change produced by a usage increment or an
// explicit upgrade/cancel call.
type Transition struct {
	From Tier
	To   Tier
	Path UpgradePath
}

// UsageResult is the outcome of one direct-call increment: the counter
// after the increment, whether this increment fired the warning, and the
// tier transition it triggered, if any.
type UsageResult struct {
	DirectCalls   int64
	WarningIssued bool
	Blocked       bool
	Transition    *Transition
}

type Service interface {
	// Ensure creates the Basic-tier row for the account if missing.
	Ensure(ctx context.Context, accountID snowflake.ID) error

	Get(ctx context.Context, accountID snowflake.ID) (Subscription, error)

	// RecordDirectCall atomically increments the monthly counter and
	// drives the tier machine: warning at the low watermark (at most
	// once per cycle), auto-upgrade waterfall at the high watermark.
	RecordDirectCall(ctx context.Context, accountID snowflake.ID) (UsageResult, error)

	// Upgrade is the account-holder initiated path. It charges the
	// instrument on file directly and skips the funded/card waterfall.
	Upgrade(ctx context.Context, accountID snowflake.ID) (Subscription, error)

	// Cancel reverts to Basic and clears the recurring reference. Safe
	// to call from a payment-provider webhook at any time.
	Cancel(ctx context.Context, accountID snowflake.ID) error

	// BlockForPaymentFailure deactivates the account and marks the
	// subscription payment-blocked.
	BlockForPaymentFailure(ctx context.Context, accountID snowflake.ID) error

	SetInstrument(ctx context.Context, accountID snowflake.ID, customerID, instrumentID string) error

	// ResetMonthlyCounters zeroes usage counters and warning flags for
	// every account. Returns the number of rows touched.
	ResetMonthlyCounters(ctx context.Context) (int64, error)
}
