package service

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	"github.com/fieldline/snapcalls/internal/payments/adapters"
	paymentsdomain "github.com/fieldline/snapcalls/internal/payments/domain"
	"github.com/fieldline/snapcalls/internal/pricing"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder

	Adapters  *adapters.Registry
	LedgerSvc ledgerdomain.Service
	SubSvc    subscriptiondomain.Service `optional:"true"`

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder

	adapters  *adapters.Registry
	ledgerSvc ledgerdomain.Service
	subSvc    subscriptiondomain.Service

	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentsdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payments.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		adapters:   p.Adapters,
		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentsdomain.ErrInvalidProvider
	}

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentsdomain.ErrEventIgnored) {
			return nil
		}
		return err
	}

	claimed, err := s.claimEvent(ctx, event)
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Info("duplicate payment event dropped",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return nil
	}

	if err := s.apply(ctx, event); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&paymentsdomain.EventRecord{}).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Update("processed_at", now).Error; err != nil {
		s.log.Warn("payment event mark processed failed", zap.Error(err))
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}
	return nil
}

func (s *Service) claimEvent(ctx context.Context, event *paymentsdomain.PaymentEvent) (bool, error) {
	record := paymentsdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		AccountID:       event.AccountID,
		Amount:          event.Amount,
		Purpose:         event.Purpose,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now().UTC(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) apply(ctx context.Context, event *paymentsdomain.PaymentEvent) error {
	switch event.Type {
	case paymentsdomain.EventTypePaymentSucceeded:
		if event.Purpose == paymentsdomain.PurposeDeposit {
			return s.applyDeposit(ctx, event)
		}
		// Recurring fee payments need no ledger movement; the charge
		// happened on the provider side.
		return nil
	case paymentsdomain.EventTypePaymentFailed:
		return s.applyPaymentFailed(ctx, event)
	case paymentsdomain.EventTypeSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, event)
	default:
		return nil
	}
}

func (s *Service) applyDeposit(ctx context.Context, event *paymentsdomain.PaymentEvent) error {
	if event.Amount <= 0 {
		return paymentsdomain.ErrInvalidEvent
	}
	billing := s.billing.Get()

	if _, err := s.ledgerSvc.Credit(ctx, event.AccountID, event.Amount, ledgerdomain.Posting{
		SourceType:  ledgerdomain.SourceTypeDeposit,
		SourceID:    event.ProviderEventID,
		Description: "wallet deposit",
		Metadata:    map[string]any{"provider": event.Provider},
	}); err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEntry) {
		return err
	}

	if bonus := pricing.DepositBonus(billing.Deposits, event.Amount); bonus > 0 {
		if _, err := s.ledgerSvc.Credit(ctx, event.AccountID, bonus, ledgerdomain.Posting{
			SourceType:  ledgerdomain.SourceTypeDepositBonus,
			SourceID:    event.ProviderEventID,
			Description: "deposit bonus",
		}); err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEntry) {
			return err
		}
	}

	return s.chargeSetupFeeOnce(ctx, event.AccountID, billing.Rates.SetupFee)
}

// chargeSetupFeeOnce debits the one-time onboarding fee on the first
// deposit. The ledger's source uniqueness makes the debit idempotent
// even if the flag update races.
func (s *Service) chargeSetupFeeOnce(ctx context.Context, accountID snowflake.ID, fee int64) error {
	if fee <= 0 {
		return nil
	}

	var account accountdomain.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paymentsdomain.ErrInvalidAccount
		}
		return err
	}
	if account.SetupFeeCharged {
		return nil
	}

	_, err := s.ledgerSvc.Debit(ctx, accountID, fee, ledgerdomain.Posting{
		SourceType:  ledgerdomain.SourceTypeSetupFee,
		SourceID:    accountID.String(),
		Description: "one-time setup fee",
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
			s.log.Warn("setup fee deferred, balance too low",
				zap.String("account_id", accountID.String()),
			)
			return nil
		}
		if !errors.Is(err, ledgerdomain.ErrDuplicateEntry) {
			return err
		}
	}

	return s.db.WithContext(ctx).
		Model(&accountdomain.Account{}).
		Where("id = ?", accountID).
		Update("setup_fee_charged", true).Error
}

func (s *Service) applyPaymentFailed(ctx context.Context, event *paymentsdomain.PaymentEvent) error {
	s.log.Warn("payment failed",
		zap.String("account_id", event.AccountID.String()),
		zap.String("purpose", event.Purpose),
		zap.Int64("amount", event.Amount),
	)
	if event.Purpose != paymentsdomain.PurposeSubscription || s.subSvc == nil {
		return nil
	}
	return s.subSvc.BlockForPaymentFailure(ctx, event.AccountID)
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, event *paymentsdomain.PaymentEvent) error {
	if s.subSvc == nil {
		return nil
	}
	if err := s.subSvc.Cancel(ctx, event.AccountID); err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	return nil
}
