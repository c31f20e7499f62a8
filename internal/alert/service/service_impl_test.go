package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	accountservice "github.com/fieldline/snapcalls/internal/account/service"
	alertdomain "github.com/fieldline/snapcalls/internal/alert/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	ledgerservice "github.com/fieldline/snapcalls/internal/ledger/service"
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type countingSMS struct {
	mu   sync.Mutex
	sent []sms.Message
}

func (p *countingSMS) Send(ctx context.Context, msg sms.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return fmt.Sprintf("SM%04d", len(p.sent)), nil
}

func (p *countingSMS) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *countingSMS) last() sms.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

type alertFixture struct {
	svc     alertdomain.Service
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	smsProv *countingSMS
	account accountdomain.Account
}

func setupAlerts(t *testing.T) *alertFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.MessageTemplate{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&subscriptiondomain.Subscription{},
		&alertdomain.AlertRecord{},
	))

	node, _ := snowflake.NewNode(3)
	clk := clock.NewFakeClock(time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	accountSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder, LedgerSvc: ledgerSvc,
	})

	account, err := accountSvc.Create(context.Background(), accountdomain.CreateAccountRequest{
		BusinessName:   "Harbor Dental",
		OwnerPhone:     "+15550003333",
		OwnerEmail:     "owner@harbordental.test",
		LineNumber:     "+15550001111",
		VerifiedNumber: "+15550002222",
	})
	require.NoError(t, err)

	smsProv := &countingSMS{}
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Billing:    holder,
		Cfg:        config.Config{AdminPhone: "+15559990000", AdminEmail: "ops@snapcalls.test"},
		AccountSvc: accountSvc,
		SMS:        smsProv,
		Email:      &email.NoOpProvider{},
	})

	return &alertFixture{svc: svc, db: db, node: node, clk: clk, smsProv: smsProv, account: account}
}

func TestLowBalanceAlertRateLimited(t *testing.T) {
	f := setupAlerts(t)
	ctx := context.Background()

	require.NoError(t, f.svc.EvaluateBalance(ctx, f.account.ID, 400))
	require.Equal(t, 1, f.smsProv.count())

	// Second drop at the same threshold inside the window stays quiet.
	require.NoError(t, f.svc.EvaluateBalance(ctx, f.account.ID, 350))
	require.Equal(t, 1, f.smsProv.count())

	f.clk.Advance(25 * time.Hour)
	require.NoError(t, f.svc.EvaluateBalance(ctx, f.account.ID, 300))
	require.Equal(t, 2, f.smsProv.count())
}

func TestDistinctThresholdsAlertIndependently(t *testing.T) {
	f := setupAlerts(t)
	ctx := context.Background()

	require.NoError(t, f.svc.EvaluateBalance(ctx, f.account.ID, 900))
	require.Equal(t, 1, f.smsProv.count())

	require.NoError(t, f.svc.EvaluateBalance(ctx, f.account.ID, 450))
	require.Equal(t, 2, f.smsProv.count())

	require.NoError(t, f.svc.EvaluateBalance(ctx, f.account.ID, 0))
	require.Equal(t, 3, f.smsProv.count())
	require.Contains(t, f.smsProv.last().Body, "empty")
}

func TestHealthyBalanceProducesNoAlert(t *testing.T) {
	f := setupAlerts(t)

	require.NoError(t, f.svc.EvaluateBalance(context.Background(), f.account.ID, 5000))
	require.Equal(t, 0, f.smsProv.count())

	var records int64
	require.NoError(t, f.db.Model(&alertdomain.AlertRecord{}).Count(&records).Error)
	require.Zero(t, records)
}

func TestOnlySeverestCrossedThresholdFires(t *testing.T) {
	f := setupAlerts(t)

	// Balance below every threshold alerts once, at the zero mark,
	// rather than once per crossed threshold.
	require.NoError(t, f.svc.EvaluateBalance(context.Background(), f.account.ID, 0))
	require.Equal(t, 1, f.smsProv.count())

	var records []alertdomain.AlertRecord
	require.NoError(t, f.db.Find(&records).Error)
	require.Len(t, records, 1)
	require.EqualValues(t, 0, records[0].Threshold)
}

func TestSystemSweepQuietWhenHealthy(t *testing.T) {
	f := setupAlerts(t)

	require.NoError(t, f.db.Model(&ledgerdomain.Wallet{}).
		Where("account_id = ?", f.account.ID).
		Update("balance", 5000).Error)

	report, err := f.svc.SystemSweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Alerts)
	require.Equal(t, 0, f.smsProv.count())
}

func TestSystemSweepFlagsBlockedAndRevenueDrop(t *testing.T) {
	f := setupAlerts(t)
	ctx := context.Background()
	now := f.clk.Now().UTC()

	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:             f.node.Generate(),
		AccountID:      f.account.ID,
		Tier:           subscriptiondomain.TierBasic,
		PaymentBlocked: true,
	}).Error)

	// Healthy charge volume yesterday, nothing today.
	require.NoError(t, f.db.Create(&ledgerdomain.LedgerEntry{
		ID:         f.node.Generate(),
		AccountID:  f.account.ID,
		SourceType: ledgerdomain.SourceTypeCallCharge,
		SourceID:   "yesterday-volume",
		Direction:  ledgerdomain.LedgerEntryDirectionDebit,
		Amount:     2000,
		CreatedAt:  now.Add(-30 * time.Hour),
	}).Error)

	report, err := f.svc.SystemSweep(ctx)
	require.NoError(t, err)

	kinds := make(map[string]alertdomain.Level)
	for _, alert := range report.Alerts {
		kinds[alert.Kind] = alert.Level
	}
	require.Equal(t, alertdomain.LevelWarning, kinds[alertdomain.KindPaymentBlocked])
	require.Equal(t, alertdomain.LevelCritical, kinds[alertdomain.KindRevenueDrop])
	require.Equal(t, alertdomain.LevelInfo, kinds[alertdomain.KindLowBalanceCount])
	require.True(t, report.HasCritical())

	// Critical findings reach the admin phone.
	require.Equal(t, 1, f.smsProv.count())
	require.Equal(t, "+15559990000", f.smsProv.last().To)
	require.Contains(t, f.smsProv.last().Body, "CRITICAL")
}

func TestSystemSweepCountsUpgradeWatermark(t *testing.T) {
	f := setupAlerts(t)

	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:          f.node.Generate(),
		AccountID:   f.account.ID,
		Tier:        subscriptiondomain.TierBasic,
		DirectCalls: 20,
	}).Error)
	require.NoError(t, f.db.Model(&ledgerdomain.Wallet{}).
		Where("account_id = ?", f.account.ID).
		Update("balance", 5000).Error)

	report, err := f.svc.SystemSweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	require.Equal(t, alertdomain.KindUpgradePending, report.Alerts[0].Kind)
	require.EqualValues(t, 1, report.Alerts[0].Value)
	require.False(t, report.HasCritical())
}
