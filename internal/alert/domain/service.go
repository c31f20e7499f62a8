package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

const (
	KindLowBalance      = "low_balance"
	KindPaymentBlocked  = "payment_blocked_accounts"
	KindLowBalanceCount = "low_balance_accounts"
	KindRevenueDrop     = "revenue_drop"
	KindUpgradePending  = "upgrade_watermark_basic"
)

type Service interface {
	// EvaluateBalance checks the balance against every configured
	// threshold and notifies the account holder, at most once per
	// threshold per 24 hours.
	EvaluateBalance(ctx context.Context, accountID snowflake.ID, balance int64) error

	// SystemSweep aggregates account health into a leveled report.
	// Critical findings are forwarded to the admin contact.
	SystemSweep(ctx context.Context) (SweepReport, error)
}
