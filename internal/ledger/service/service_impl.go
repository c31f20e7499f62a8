package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	"github.com/fieldline/snapcalls/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EnsureWallet(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return ledgerdomain.ErrInvalidAccount
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO wallets (id, account_id, balance, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (account_id) DO NOTHING`,
		s.genID.Generate(), accountID, now, now,
	).Error
}

func (s *Service) Debit(ctx context.Context, accountID snowflake.ID, amount int64, posting ledgerdomain.Posting) (ledgerdomain.LedgerEntry, error) {
	if err := validatePosting(accountID, amount, posting); err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}

	var entry ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Exec(
			`UPDATE wallets SET balance = balance - ?, updated_at = ? WHERE account_id = ? AND balance >= ?`,
			amount, now, accountID, amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ledgerdomain.Wallet{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ledgerdomain.ErrWalletNotFound
			}
			return ledgerdomain.ErrInsufficientBalance
		}

		var wallet ledgerdomain.Wallet
		if err := tx.Where("account_id = ?", accountID).First(&wallet).Error; err != nil {
			return err
		}

		var err error
		entry, err = s.appendEntry(ctx, tx, wallet, ledgerdomain.LedgerEntryDirectionDebit, amount, posting, now)
		return err
	})
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCharge(ctx, string(posting.SourceType), amount)
	}
	return entry, nil
}

func (s *Service) Credit(ctx context.Context, accountID snowflake.ID, amount int64, posting ledgerdomain.Posting) (ledgerdomain.LedgerEntry, error) {
	if err := validatePosting(accountID, amount, posting); err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}

	var entry ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Exec(
			`INSERT INTO wallets (id, account_id, balance, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT (account_id) DO NOTHING`,
			s.genID.Generate(), accountID, now, now,
		).Error; err != nil {
			return err
		}

		result := tx.Exec(
			`UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE account_id = ?`,
			amount, now, accountID,
		)
		if result.Error != nil {
			return result.Error
		}

		var wallet ledgerdomain.Wallet
		if err := tx.Where("account_id = ?", accountID).First(&wallet).Error; err != nil {
			return err
		}

		var err error
		entry, err = s.appendEntry(ctx, tx, wallet, ledgerdomain.LedgerEntryDirectionCredit, amount, posting, now)
		return err
	})
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	return entry, nil
}

// appendEntry inserts the posting row. A conflict on the source key means
// the posting already happened; the surrounding transaction rolls back so
// the balance change is undone with it.
func (s *Service) appendEntry(
	ctx context.Context,
	tx *gorm.DB,
	wallet ledgerdomain.Wallet,
	direction ledgerdomain.LedgerEntryDirection,
	amount int64,
	posting ledgerdomain.Posting,
	now time.Time,
) (ledgerdomain.LedgerEntry, error) {
	entry := ledgerdomain.LedgerEntry{
		ID:           s.genID.Generate(),
		AccountID:    wallet.AccountID,
		SourceType:   posting.SourceType,
		SourceID:     strings.TrimSpace(posting.SourceID),
		Direction:    direction,
		Amount:       amount,
		BalanceAfter: wallet.Balance,
		Description:  posting.Description,
		Metadata:     datatypes.JSONMap(posting.Metadata),
		CreatedAt:    now,
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, account_id, source_type, source_id, direction, amount, balance_after, description, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, source_type, source_id) DO NOTHING`,
		entry.ID,
		entry.AccountID,
		string(entry.SourceType),
		entry.SourceID,
		string(entry.Direction),
		entry.Amount,
		entry.BalanceAfter,
		entry.Description,
		entry.Metadata,
		now,
	)
	if result.Error != nil {
		return ledgerdomain.LedgerEntry{}, result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrDuplicateEntry
	}
	return entry, nil
}

func (s *Service) Balance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if accountID == 0 {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	var wallet ledgerdomain.Wallet
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&wallet).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, ledgerdomain.ErrWalletNotFound
		}
		return 0, err
	}
	return wallet.Balance, nil
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	if req.AccountID == 0 {
		return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidAccount
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	query := s.db.WithContext(ctx).
		Where("account_id = ?", req.AccountID).
		Order("id DESC").
		Limit(int(pageSize) + 1)

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return ledgerdomain.ListEntriesResponse{}, err
		}
		if cursor.ID != "" {
			query = query.Where("id < ?", cursor.ID)
		}
	}

	var rows []*ledgerdomain.LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, pageSize, func(e *ledgerdomain.LedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID.String()})
		return token
	})

	entries := make([]ledgerdomain.LedgerEntry, 0, len(rows))
	for i, row := range rows {
		if i >= int(pageSize) {
			break
		}
		entries = append(entries, *row)
	}

	return ledgerdomain.ListEntriesResponse{PageInfo: *pageInfo, Entries: entries}, nil
}

func validatePosting(accountID snowflake.ID, amount int64, posting ledgerdomain.Posting) error {
	if accountID == 0 {
		return ledgerdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(string(posting.SourceType)) == "" || strings.TrimSpace(posting.SourceID) == "" {
		return ledgerdomain.ErrInvalidSource
	}
	return nil
}
