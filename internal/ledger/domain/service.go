package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/fieldline/snapcalls/pkg/db/pagination"
)

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrWalletNotFound      = errors.New("wallet_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrDuplicateEntry      = errors.New("duplicate_ledger_entry")
)

// Posting identifies the business event behind a debit or credit. The
// (SourceType, SourceID) pair must be unique per account; replays of the
// same posting are rejected without moving the balance.
type Posting struct {
	SourceType  LedgerSourceType
	SourceID    string
	Description string
	Metadata    map[string]any
}

type ListEntriesRequest struct {
	AccountID snowflake.ID
	PageToken string
	PageSize  int32
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

type Service interface {
	// EnsureWallet creates the wallet row for the account if missing.
	EnsureWallet(ctx context.Context, accountID snowflake.ID) error

	// Debit atomically decrements the balance and appends the entry.
	// Returns ErrInsufficientBalance when the balance cannot cover the
	// amount; the balance is untouched in that case.
	Debit(ctx context.Context, accountID snowflake.ID, amount int64, posting Posting) (LedgerEntry, error)

	// Credit atomically increments the balance and appends the entry.
	Credit(ctx context.Context, accountID snowflake.ID, amount int64, posting Posting) (LedgerEntry, error)

	Balance(ctx context.Context, accountID snowflake.ID) (int64, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
}
