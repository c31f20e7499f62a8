package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	alertdomain "github.com/fieldline/snapcalls/internal/alert/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/slack"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rateLimitWindow = 24 * time.Hour

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Cfg     config.Config

	AccountSvc accountdomain.Service

	SMS   sms.Provider
	Email email.Provider
	Slack slack.Provider `optional:"true"`

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	cfg     config.Config

	accountSvc accountdomain.Service

	sms   sms.Provider
	email email.Provider
	slack slack.Provider

	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) alertdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("alert.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		cfg:        p.Cfg,
		accountSvc: p.AccountSvc,
		sms:        p.SMS,
		email:      p.Email,
		slack:      p.Slack,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EvaluateBalance(ctx context.Context, accountID snowflake.ID, balance int64) error {
	threshold, crossed := severestThreshold(s.billing.Get().Thresholds.LowBalanceAlerts, balance)
	if !crossed {
		return nil
	}

	now := s.clock.Now().UTC()
	notify, err := s.claimNotification(ctx, accountID, threshold, now)
	if err != nil {
		return err
	}
	if !notify {
		return nil
	}

	account, err := s.accountSvc.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	var body string
	if balance <= 0 {
		body = fmt.Sprintf("%s: your balance is empty. Calls are paused until you add funds.", account.BusinessName)
	} else {
		body = fmt.Sprintf("%s: your balance is down to $%.2f. Top up to keep answering calls.",
			account.BusinessName, float64(balance)/100)
	}

	if account.NotifySMS && account.OwnerPhone != "" {
		if _, err := s.sms.Send(ctx, sms.Message{
			To:   account.OwnerPhone,
			From: account.LineNumber,
			Body: body,
		}); err != nil {
			s.log.Warn("low balance sms failed", zap.Error(err), zap.String("account_id", accountID.String()))
		}
	}
	if account.OwnerEmail != "" {
		if err := s.email.Send(ctx, []string{account.OwnerEmail}, "Low balance", "<p>"+body+"</p>"); err != nil {
			s.log.Warn("low balance email failed", zap.Error(err), zap.String("account_id", accountID.String()))
		}
	}

	s.log.Info("low balance alert sent",
		zap.String("account_id", accountID.String()),
		zap.Int64("threshold", threshold),
		zap.Int64("balance", balance),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAlert(ctx, alertdomain.KindLowBalance)
	}
	return nil
}

// claimNotification enforces the 24h rate limit per (account,
// threshold) with a conditional update; the insert path covers the
// first crossing. Only the caller that wins a row change notifies.
func (s *Service) claimNotification(ctx context.Context, accountID snowflake.ID, threshold int64, now time.Time) (bool, error) {
	cutoff := now.Add(-rateLimitWindow)

	res := s.db.WithContext(ctx).
		Model(&alertdomain.AlertRecord{}).
		Where("account_id = ? AND threshold = ? AND last_notified_at <= ?", accountID, threshold, cutoff).
		Updates(map[string]any{"last_notified_at": now, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	record := alertdomain.AlertRecord{
		ID:             s.genID.Generate(),
		AccountID:      accountID,
		Threshold:      threshold,
		LastNotifiedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "threshold"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) SystemSweep(ctx context.Context) (alertdomain.SweepReport, error) {
	now := s.clock.Now().UTC()
	report := alertdomain.SweepReport{GeneratedAt: now}
	thresholds := s.billing.Get().Thresholds

	var blocked int64
	if err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("payment_blocked = ?", true).
		Count(&blocked).Error; err != nil {
		return report, err
	}
	if blocked > 0 {
		level := alertdomain.LevelWarning
		if blocked > 5 {
			level = alertdomain.LevelCritical
		}
		report.Alerts = append(report.Alerts, alertdomain.SystemAlert{
			Level:   level,
			Kind:    alertdomain.KindPaymentBlocked,
			Message: fmt.Sprintf("%d accounts are payment-blocked", blocked),
			Value:   blocked,
		})
	}

	var lowBalance int64
	if err := s.db.WithContext(ctx).
		Model(&ledgerdomain.Wallet{}).
		Where("balance < ?", thresholds.MinBalance).
		Count(&lowBalance).Error; err != nil {
		return report, err
	}
	if lowBalance > 0 {
		report.Alerts = append(report.Alerts, alertdomain.SystemAlert{
			Level:   alertdomain.LevelInfo,
			Kind:    alertdomain.KindLowBalanceCount,
			Message: fmt.Sprintf("%d wallets are below the service floor", lowBalance),
			Value:   lowBalance,
		})
	}

	today, yesterday, err := s.revenueWindows(ctx, now)
	if err != nil {
		return report, err
	}
	if yesterday >= 1000 && today < yesterday/2 {
		report.Alerts = append(report.Alerts, alertdomain.SystemAlert{
			Level: alertdomain.LevelCritical,
			Kind:  alertdomain.KindRevenueDrop,
			Message: fmt.Sprintf("revenue dropped more than half day-over-day: %d -> %d cents",
				yesterday, today),
			Value: today,
		})
	}

	var nearUpgrade int64
	if err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("tier = ? AND payment_blocked = ? AND direct_calls >= ?",
			subscriptiondomain.TierBasic, false, thresholds.UpgradeCallCount).
		Count(&nearUpgrade).Error; err != nil {
		return report, err
	}
	if nearUpgrade > 0 {
		report.Alerts = append(report.Alerts, alertdomain.SystemAlert{
			Level:   alertdomain.LevelWarning,
			Kind:    alertdomain.KindUpgradePending,
			Message: fmt.Sprintf("%d basic accounts sit at or past the upgrade watermark", nearUpgrade),
			Value:   nearUpgrade,
		})
	}

	if report.HasCritical() {
		s.notifyAdmin(ctx, report)
	}
	if s.obsMetrics != nil {
		for _, alert := range report.Alerts {
			s.obsMetrics.RecordAlert(ctx, alert.Kind)
		}
	}
	return report, nil
}

func (s *Service) revenueWindows(ctx context.Context, now time.Time) (int64, int64, error) {
	type row struct{ Total int64 }
	sum := func(from, to time.Time) (int64, error) {
		var r row
		err := s.db.WithContext(ctx).
			Model(&ledgerdomain.LedgerEntry{}).
			Select("COALESCE(SUM(amount), 0) AS total").
			Where("direction = ? AND source_type IN ? AND created_at >= ? AND created_at < ?",
				ledgerdomain.LedgerEntryDirectionDebit,
				[]ledgerdomain.LedgerSourceType{
					ledgerdomain.SourceTypeCallCharge,
					ledgerdomain.SourceTypeReplyCharge,
				},
				from, to).
			Scan(&r).Error
		return r.Total, err
	}

	today, err := sum(now.Add(-24*time.Hour), now)
	if err != nil {
		return 0, 0, err
	}
	yesterday, err := sum(now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		return 0, 0, err
	}
	return today, yesterday, nil
}

func (s *Service) notifyAdmin(ctx context.Context, report alertdomain.SweepReport) {
	summary := ""
	for _, alert := range report.Alerts {
		if alert.Level != alertdomain.LevelCritical {
			continue
		}
		summary += alert.Message + "; "
	}
	if summary == "" {
		return
	}

	if s.cfg.AdminPhone != "" {
		if _, err := s.sms.Send(ctx, sms.Message{To: s.cfg.AdminPhone, Body: "CRITICAL: " + summary}); err != nil {
			s.log.Warn("admin sms failed", zap.Error(err))
		}
	}
	if s.cfg.AdminEmail != "" {
		if err := s.email.Send(ctx, []string{s.cfg.AdminEmail}, "Critical system alerts", "<p>"+summary+"</p>"); err != nil {
			s.log.Warn("admin email failed", zap.Error(err))
		}
	}
	if s.slack != nil {
		if err := s.slack.PostMessage(ctx, s.cfg.SlackAlertChannel, "CRITICAL: "+summary); err != nil {
			s.log.Warn("admin slack post failed", zap.Error(err))
		}
	}
}

// severestThreshold returns the lowest configured threshold the balance
// has crossed; crossing 0 beats crossing 500 beats crossing 1000.
func severestThreshold(thresholds []int64, balance int64) (int64, bool) {
	found := false
	var severest int64
	for _, threshold := range thresholds {
		if balance > threshold {
			continue
		}
		if !found || threshold < severest {
			severest = threshold
			found = true
		}
	}
	return severest, found
}
