package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	paymentsdomain "github.com/fieldline/snapcalls/internal/payments/domain"
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// publicLinePlanID is the provider-side plan for the metered-public
// recurring fee.
const publicLinePlanID = "plan_public_line_monthly"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder

	LedgerSvc  ledgerdomain.Service
	AccountSvc accountdomain.Service
	Gateway    paymentsdomain.Gateway

	SMS   sms.Provider
	Email email.Provider

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder

	ledgerSvc  ledgerdomain.Service
	accountSvc accountdomain.Service
	gateway    paymentsdomain.Gateway

	sms   sms.Provider
	email email.Provider

	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		ledgerSvc:  p.LedgerSvc,
		accountSvc: p.AccountSvc,
		gateway:    p.Gateway,
		sms:        p.SMS,
		email:      p.Email,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Ensure(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	now := s.clock.Now().UTC()
	record := subscriptiondomain.Subscription{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Tier:      subscriptiondomain.TierBasic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(&record).Error
}

func (s *Service) Get(ctx context.Context, accountID snowflake.ID) (subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		return subscriptiondomain.Subscription{}, err
	}
	return sub, nil
}

func (s *Service) RecordDirectCall(ctx context.Context, accountID snowflake.ID) (subscriptiondomain.UsageResult, error) {
	if err := s.Ensure(ctx, accountID); err != nil {
		return subscriptiondomain.UsageResult{}, err
	}

	// Increment-and-read, never read-modify-write: concurrent calls
	// each get their own counter value.
	if err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ?", accountID).
		Update("direct_calls", gorm.Expr("direct_calls + 1")).Error; err != nil {
		return subscriptiondomain.UsageResult{}, err
	}

	sub, err := s.Get(ctx, accountID)
	if err != nil {
		return subscriptiondomain.UsageResult{}, err
	}

	result := subscriptiondomain.UsageResult{DirectCalls: sub.DirectCalls}
	if sub.Tier != subscriptiondomain.TierBasic || sub.PaymentBlocked {
		result.Blocked = sub.PaymentBlocked
		return result, nil
	}

	thresholds := s.billing.Get().Thresholds

	if sub.DirectCalls >= thresholds.WarnCallCount && sub.DirectCalls < thresholds.UpgradeCallCount {
		issued, err := s.issueWarningOnce(ctx, accountID, sub.DirectCalls, thresholds.UpgradeCallCount)
		if err != nil {
			s.log.Warn("usage warning failed", zap.Error(err), zap.String("account_id", accountID.String()))
		}
		result.WarningIssued = issued
	}

	if sub.DirectCalls >= thresholds.UpgradeCallCount {
		transition, err := s.autoUpgrade(ctx, sub)
		if err != nil {
			return result, err
		}
		result.Transition = transition
		if transition != nil && transition.To == subscriptiondomain.TierBasic {
			result.Blocked = true
		}
	}

	return result, nil
}

// issueWarningOnce flips warnings_sent 0 -> 1; only the winner of that
// update sends the notification, so there is at most one per cycle.
func (s *Service) issueWarningOnce(ctx context.Context, accountID snowflake.ID, used, limit int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ? AND warnings_sent = 0", accountID).
		Update("warnings_sent", 1)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	account, err := s.accountSvc.GetByID(ctx, accountID)
	if err != nil {
		return true, err
	}
	notice := fmt.Sprintf(
		"You've handled %d calls this month. At %d calls your line upgrades to the public plan automatically.",
		used, limit,
	)
	s.notify(ctx, account, "Usage warning", notice)
	return true, nil
}

func (s *Service) autoUpgrade(ctx context.Context, sub subscriptiondomain.Subscription) (*subscriptiondomain.Transition, error) {
	// Claim the transition before touching money so concurrent workers
	// cannot double-charge; the loser sees zero rows.
	now := s.clock.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ? AND tier = ? AND payment_blocked = ?",
			sub.AccountID, subscriptiondomain.TierBasic, false).
		Updates(map[string]any{
			"tier":        subscriptiondomain.TierMeteredPublic,
			"upgraded_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	fee := s.billing.Get().Rates.PublicLineMonthly

	// Ordered strategy list: funded wallet, then stored card, then
	// payment-blocked.
	strategies := []func(context.Context, subscriptiondomain.Subscription, int64) (subscriptiondomain.UpgradePath, string, error){
		s.tryFundedUpgrade,
		s.tryCardUpgrade,
	}
	for _, strategy := range strategies {
		path, recurringRef, err := strategy(ctx, sub, fee)
		if err != nil {
			continue
		}
		if err := s.finishUpgrade(ctx, sub.AccountID, path, recurringRef); err != nil {
			return nil, err
		}
		s.recordTransition(ctx, subscriptiondomain.TierBasic, subscriptiondomain.TierMeteredPublic)
		s.log.Info("auto-upgrade completed",
			zap.String("account_id", sub.AccountID.String()),
			zap.String("path", string(path)),
		)
		return &subscriptiondomain.Transition{
			From: subscriptiondomain.TierBasic,
			To:   subscriptiondomain.TierMeteredPublic,
			Path: path,
		}, nil
	}

	if err := s.blockAfterFailedUpgrade(ctx, sub.AccountID); err != nil {
		return nil, err
	}
	return &subscriptiondomain.Transition{
		From: subscriptiondomain.TierBasic,
		To:   subscriptiondomain.TierBasic,
	}, nil
}

func (s *Service) tryFundedUpgrade(ctx context.Context, sub subscriptiondomain.Subscription, fee int64) (subscriptiondomain.UpgradePath, string, error) {
	// The source key is month-scoped: replays within a cycle collapse to
	// one fee, but a cancel and re-upgrade in a later cycle is charged
	// again.
	cycle := s.clock.Now().UTC().Format("200601")
	_, err := s.ledgerSvc.Debit(ctx, sub.AccountID, fee, ledgerdomain.Posting{
		SourceType:  ledgerdomain.SourceTypeSubscriptionFee,
		SourceID:    fmt.Sprintf("%s-upgrade-%s", sub.AccountID, cycle),
		Description: "public line upgrade, first cycle",
	})
	if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEntry) {
		return "", "", err
	}

	recurringRef := ""
	if sub.ProviderCustomerID != "" {
		recurringRef, err = s.gateway.CreateRecurringSubscription(ctx, sub.ProviderCustomerID, publicLinePlanID)
		if err != nil {
			s.log.Warn("recurring subscription creation failed after funded upgrade",
				zap.Error(err),
				zap.String("account_id", sub.AccountID.String()),
			)
			recurringRef = ""
		}
	}
	return subscriptiondomain.UpgradePathFunded, recurringRef, nil
}

func (s *Service) tryCardUpgrade(ctx context.Context, sub subscriptiondomain.Subscription, fee int64) (subscriptiondomain.UpgradePath, string, error) {
	if !sub.HasInstrument() {
		return "", "", subscriptiondomain.ErrNoPaymentMethod
	}

	if _, err := s.gateway.ChargeStoredInstrument(ctx,
		sub.ProviderCustomerID, sub.ProviderInstrumentID, fee, "public line upgrade, first cycle"); err != nil {
		return "", "", err
	}

	recurringRef, err := s.gateway.CreateRecurringSubscription(ctx, sub.ProviderCustomerID, publicLinePlanID)
	if err != nil {
		s.log.Warn("recurring subscription creation failed after card upgrade",
			zap.Error(err),
			zap.String("account_id", sub.AccountID.String()),
		)
		recurringRef = ""
	}
	return subscriptiondomain.UpgradePathCard, recurringRef, nil
}

func (s *Service) finishUpgrade(ctx context.Context, accountID snowflake.ID, path subscriptiondomain.UpgradePath, recurringRef string) error {
	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"upgrade_path":  path,
			"recurring_ref": recurringRef,
			"updated_at":    s.clock.Now().UTC(),
		}).Error
}

// blockAfterFailedUpgrade reverts the claimed tier and parks the
// account in the payment-blocked state. Terminal until the holder adds
// a payment method.
func (s *Service) blockAfterFailedUpgrade(ctx context.Context, accountID snowflake.ID) error {
	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"tier":            subscriptiondomain.TierBasic,
			"payment_blocked": true,
			"blocked_at":      now,
			"updated_at":      now,
		}).Error; err != nil {
		return err
	}

	if err := s.accountSvc.SetActive(ctx, accountID, false); err != nil {
		s.log.Error("account deactivation failed", zap.Error(err), zap.String("account_id", accountID.String()))
	}

	account, err := s.accountSvc.GetByID(ctx, accountID)
	if err == nil {
		s.notify(ctx, account, "Payment method required",
			"Your line reached the upgrade threshold but has no payment method on file. "+
				"Service is paused until one is added.")
	}

	s.log.Warn("account payment-blocked", zap.String("account_id", accountID.String()))
	s.recordTransition(ctx, subscriptiondomain.TierBasic, "payment_blocked")
	return nil
}

func (s *Service) Upgrade(ctx context.Context, accountID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if err := s.Ensure(ctx, accountID); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	sub, err := s.Get(ctx, accountID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub.Tier == subscriptiondomain.TierMeteredPublic {
		return sub, subscriptiondomain.ErrAlreadyUpgraded
	}
	if !sub.HasInstrument() {
		return sub, subscriptiondomain.ErrNoPaymentMethod
	}

	fee := s.billing.Get().Rates.PublicLineMonthly
	if _, err := s.gateway.ChargeStoredInstrument(ctx,
		sub.ProviderCustomerID, sub.ProviderInstrumentID, fee, "public line upgrade"); err != nil {
		return sub, err
	}
	recurringRef, err := s.gateway.CreateRecurringSubscription(ctx, sub.ProviderCustomerID, publicLinePlanID)
	if err != nil {
		s.log.Warn("recurring subscription creation failed after manual upgrade", zap.Error(err))
		recurringRef = ""
	}

	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"tier":            subscriptiondomain.TierMeteredPublic,
			"upgrade_path":    subscriptiondomain.UpgradePathManual,
			"recurring_ref":   recurringRef,
			"payment_blocked": false,
			"upgraded_at":     now,
			"updated_at":      now,
		}).Error; err != nil {
		return sub, err
	}

	s.recordTransition(ctx, sub.Tier, subscriptiondomain.TierMeteredPublic)
	return s.Get(ctx, accountID)
}

func (s *Service) Cancel(ctx context.Context, accountID snowflake.ID) error {
	sub, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}

	if sub.RecurringRef != "" {
		if err := s.gateway.CancelRecurringSubscription(ctx, sub.RecurringRef); err != nil {
			s.log.Warn("recurring subscription cancel failed",
				zap.Error(err),
				zap.String("account_id", accountID.String()),
			)
		}
	}

	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"tier":          subscriptiondomain.TierBasic,
			"recurring_ref": "",
			"upgrade_path":  "",
			"updated_at":    now,
		}).Error; err != nil {
		return err
	}

	s.recordTransition(ctx, sub.Tier, subscriptiondomain.TierBasic)
	return nil
}

func (s *Service) BlockForPaymentFailure(ctx context.Context, accountID snowflake.ID) error {
	if err := s.Ensure(ctx, accountID); err != nil {
		return err
	}
	return s.blockAfterFailedUpgrade(ctx, accountID)
}

func (s *Service) SetInstrument(ctx context.Context, accountID snowflake.ID, customerID, instrumentID string) error {
	if err := s.Ensure(ctx, accountID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"provider_customer_id":   customerID,
			"provider_instrument_id": instrumentID,
			"updated_at":             s.clock.Now().UTC(),
		}).Error
}

func (s *Service) ResetMonthlyCounters(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("direct_calls > 0 OR warnings_sent > 0").
		Updates(map[string]any{
			"direct_calls":  0,
			"warnings_sent": 0,
			"updated_at":    s.clock.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *Service) notify(ctx context.Context, account accountdomain.Account, subject, body string) {
	if account.NotifySMS && account.OwnerPhone != "" {
		if _, err := s.sms.Send(ctx, sms.Message{
			To:   account.OwnerPhone,
			From: account.LineNumber,
			Body: body,
		}); err != nil {
			s.log.Warn("owner sms notification failed", zap.Error(err))
		}
	}
	if account.OwnerEmail != "" {
		if err := s.email.Send(ctx, []string{account.OwnerEmail}, subject, "<p>"+body+"</p>"); err != nil {
			s.log.Warn("owner email notification failed", zap.Error(err))
		}
	}
}

func (s *Service) recordTransition(ctx context.Context, from, to any) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordTierTransition(ctx, fmt.Sprint(from), fmt.Sprint(to))
}
