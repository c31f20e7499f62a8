package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	"github.com/fieldline/snapcalls/internal/seed"
	"github.com/fieldline/snapcalls/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Billing   *config.BillingConfigHolder
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	billing   *config.BillingConfigHolder
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		billing:   p.Billing,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) Create(ctx context.Context, req accountdomain.CreateAccountRequest) (accountdomain.Account, error) {
	if strings.TrimSpace(req.BusinessName) == "" {
		return accountdomain.Account{}, accountdomain.ErrInvalidBusinessName
	}
	lineNumber := normalizePhone(req.LineNumber)
	verifiedNumber := normalizePhone(req.VerifiedNumber)
	if lineNumber == "" || verifiedNumber == "" {
		return accountdomain.Account{}, accountdomain.ErrInvalidNumber
	}

	now := s.clock.Now()
	account := accountdomain.Account{
		ID:             s.genID.Generate(),
		BusinessName:   strings.TrimSpace(req.BusinessName),
		OwnerEmail:     strings.TrimSpace(req.OwnerEmail),
		OwnerPhone:     normalizePhone(req.OwnerPhone),
		LineNumber:     lineNumber,
		VerifiedNumber: verifiedNumber,
		Timezone:       defaultString(req.Timezone, "UTC"),
		OpensAt:        defaultString(req.OpensAt, "09:00"),
		ClosesAt:       defaultString(req.ClosesAt, "17:00"),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(req.DaysOpen) > 0 {
		raw, err := json.Marshal(req.DaysOpen)
		if err != nil {
			return accountdomain.Account{}, err
		}
		account.DaysOpen = raw
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return accountdomain.ErrDuplicateNumber
			}
			return err
		}
		for kind, body := range seed.DefaultTemplateBodies() {
			template := accountdomain.MessageTemplate{
				ID:        s.genID.Generate(),
				AccountID: account.ID,
				Kind:      kind,
				Body:      body,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&template).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return accountdomain.Account{}, err
	}

	if err := s.ledgerSvc.EnsureWallet(ctx, account.ID); err != nil {
		s.log.Warn("failed to provision wallet", zap.String("account_id", account.ID.String()), zap.Error(err))
	}

	return account, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (accountdomain.Account, error) {
	if id == 0 {
		return accountdomain.Account{}, accountdomain.ErrAccountNotFound
	}
	var account accountdomain.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accountdomain.Account{}, accountdomain.ErrAccountNotFound
		}
		return accountdomain.Account{}, err
	}
	return account, nil
}

func (s *Service) GetByLineNumber(ctx context.Context, number string) (accountdomain.Account, error) {
	number = normalizePhone(number)
	if number == "" {
		return accountdomain.Account{}, accountdomain.ErrInvalidNumber
	}
	var account accountdomain.Account
	if err := s.db.WithContext(ctx).First(&account, "line_number = ?", number).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accountdomain.Account{}, accountdomain.ErrAccountNotFound
		}
		return accountdomain.Account{}, err
	}
	return account, nil
}

func (s *Service) SetActive(ctx context.Context, id snowflake.ID, active bool) error {
	result := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": s.clock.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) SetFeatures(ctx context.Context, id snowflake.ID, features accountdomain.FeatureFlags) error {
	result := s.db.WithContext(ctx).Model(&accountdomain.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"feature_sequences":     features.Sequences,
			"feature_recognition":   features.Recognition,
			"feature_two_way":       features.TwoWay,
			"feature_vip_priority":  features.VipPriority,
			"feature_transcription": features.Transcription,
			"updated_at":            s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) Template(ctx context.Context, accountID snowflake.ID, kind accountdomain.TemplateKind) (accountdomain.MessageTemplate, error) {
	var template accountdomain.MessageTemplate
	err := s.db.WithContext(ctx).
		First(&template, "account_id = ? AND kind = ?", accountID, kind).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && kind != accountdomain.TemplateStandard {
		err = s.db.WithContext(ctx).
			First(&template, "account_id = ? AND kind = ?", accountID, accountdomain.TemplateStandard).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accountdomain.MessageTemplate{}, accountdomain.ErrInvalidTemplateKind
		}
		return accountdomain.MessageTemplate{}, err
	}
	return template, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, req accountdomain.UpdateTemplateRequest) (accountdomain.MessageTemplate, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return accountdomain.MessageTemplate{}, accountdomain.ErrInvalidTemplateBody
	}
	switch req.Kind {
	case accountdomain.TemplateStandard, accountdomain.TemplateAfterHours, accountdomain.TemplateVoicemail:
	default:
		return accountdomain.MessageTemplate{}, accountdomain.ErrInvalidTemplateKind
	}

	account, err := s.GetByID(ctx, req.AccountID)
	if err != nil {
		return accountdomain.MessageTemplate{}, err
	}

	now := s.clock.Now()
	changesThisMonth := account.TemplateChangesThisMonth
	if account.TemplateChangedAt == nil || !sameMonth(*account.TemplateChangedAt, now) {
		changesThisMonth = 0
	}

	// First change each month is free.
	if changesThisMonth >= 1 {
		fee := s.billing.Get().Rates.TemplateChange
		if fee > 0 {
			posting := ledgerdomain.Posting{
				SourceType:  ledgerdomain.SourceTypeTemplateFee,
				SourceID:    account.ID.String() + ":" + now.Format("200601") + ":" + s.genID.Generate().String(),
				Description: "message template change",
			}
			if _, err := s.ledgerSvc.Debit(ctx, account.ID, fee, posting); err != nil {
				return accountdomain.MessageTemplate{}, err
			}
		}
	}

	var template accountdomain.MessageTemplate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&template, "account_id = ? AND kind = ?", req.AccountID, req.Kind).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			template = accountdomain.MessageTemplate{
				ID:        s.genID.Generate(),
				AccountID: req.AccountID,
				Kind:      req.Kind,
				CreatedAt: now,
			}
		}
		template.Body = body
		template.UpdatedAt = now
		if err := tx.Save(&template).Error; err != nil {
			return err
		}

		return tx.Model(&accountdomain.Account{}).
			Where("id = ?", req.AccountID).
			Updates(map[string]any{
				"template_changes_this_month": changesThisMonth + 1,
				"template_changed_at":         now,
				"updated_at":                  now,
			}).Error
	})
	if err != nil {
		return accountdomain.MessageTemplate{}, err
	}
	return template, nil
}

func (s *Service) IsVIP(ctx context.Context, accountID snowflake.ID, phone string) (bool, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&accountdomain.VipContact{}).
		Where("account_id = ? AND phone = ?", accountID, phone).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) AddVipContact(ctx context.Context, accountID snowflake.ID, phone, name string) (accountdomain.VipContact, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return accountdomain.VipContact{}, accountdomain.ErrInvalidNumber
	}
	contact := accountdomain.VipContact{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Phone:     phone,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&contact).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return accountdomain.VipContact{}, nil
		}
		return accountdomain.VipContact{}, err
	}
	return contact, nil
}

func (s *Service) RemoveVipContact(ctx context.Context, accountID snowflake.ID, phone string) error {
	return s.db.WithContext(ctx).
		Where("account_id = ? AND phone = ?", accountID, normalizePhone(phone)).
		Delete(&accountdomain.VipContact{}).Error
}

func (s *Service) RecordVipCall(ctx context.Context, accountID snowflake.ID, phone string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&accountdomain.VipContact{}).
		Where("account_id = ? AND phone = ?", accountID, normalizePhone(phone)).
		Updates(map[string]any{
			"call_count":   gorm.Expr("call_count + 1"),
			"last_call_at": at,
		}).Error
}

func normalizePhone(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for i, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func defaultString(value, def string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	return value
}

func sameMonth(a, b time.Time) bool {
	return a.UTC().Year() == b.UTC().Year() && a.UTC().Month() == b.UTC().Month()
}
