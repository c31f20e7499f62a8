package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	accountservice "github.com/fieldline/snapcalls/internal/account/service"
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

type fakeGateway struct {
	mu          sync.Mutex
	charges     int
	recurring   int
	failCharges bool
}

func (g *fakeGateway) ChargeStoredInstrument(ctx context.Context, customerID, instrumentID string, amount int64, description string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCharges {
		return "", errors.New("card declined")
	}
	g.charges++
	return fmt.Sprintf("pi_%04d", g.charges), nil
}

func (g *fakeGateway) CreateRecurringSubscription(ctx context.Context, customerID, planID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recurring++
	return fmt.Sprintf("sub_%04d", g.recurring), nil
}

func (g *fakeGateway) CancelRecurringSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

type machine struct {
	svc        subscriptiondomain.Service
	db         *gorm.DB
	node       *snowflake.Node
	clk        *clock.FakeClock
	gateway    *fakeGateway
	ledgerSvc  ledgerdomain.Service
	accountSvc accountdomain.Service
	account    accountdomain.Account
}

func setupMachine(t *testing.T) *machine {
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
	))

	node, _ := snowflake.NewNode(2)
	clk := clock.NewFakeClock(time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	accountSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder, LedgerSvc: ledgerSvc,
	})

	account, err := accountSvc.Create(context.Background(), accountdomain.CreateAccountRequest{
		BusinessName:   "Drift Cycles",
		OwnerPhone:     "+15550003333",
		OwnerEmail:     "owner@driftcycles.test",
		LineNumber:     "+15550001111",
		VerifiedNumber: "+15550002222",
	})
	require.NoError(t, err)

	gw := &fakeGateway{}
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Billing:    holder,
		LedgerSvc:  ledgerSvc,
		AccountSvc: accountSvc,
		Gateway:    gw,
		SMS:        &sms.NoOpProvider{},
		Email:      &email.NoOpProvider{},
	})

	return &machine{
		svc:        svc,
		db:         db,
		node:       node,
		clk:        clk,
		gateway:    gw,
		ledgerSvc:  ledgerSvc,
		accountSvc: accountSvc,
		account:    account,
	}
}

func (m *machine) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := m.ledgerSvc.Credit(context.Background(), m.account.ID, amount, ledgerdomain.Posting{
		SourceType: ledgerdomain.SourceTypeDeposit,
		SourceID:   fmt.Sprintf("dep-%d", amount),
	})
	require.NoError(t, err)
}

func (m *machine) recordCalls(t *testing.T, n int) subscriptiondomain.UsageResult {
	t.Helper()
	var last subscriptiondomain.UsageResult
	for i := 0; i < n; i++ {
		result, err := m.svc.RecordDirectCall(context.Background(), m.account.ID)
		require.NoError(t, err)
		last = result
	}
	return last
}

func (m *machine) setInstrument(t *testing.T) {
	t.Helper()
	require.NoError(t, m.svc.SetInstrument(context.Background(), m.account.ID, "cus_123", "pm_123"))
}

func TestWarningIssuedOncePerCycle(t *testing.T) {
	m := setupMachine(t)

	last := m.recordCalls(t, 10)
	require.True(t, last.WarningIssued)

	last = m.recordCalls(t, 1)
	require.False(t, last.WarningIssued)

	sub, err := m.svc.Get(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, 1, sub.WarningsSent)
	require.Equal(t, int64(11), sub.DirectCalls)
}

func TestFundedUpgradeDebitsWalletNoCardCharge(t *testing.T) {
	m := setupMachine(t)
	m.fund(t, 5000)

	last := m.recordCalls(t, 20)
	require.NotNil(t, last.Transition)
	require.Equal(t, subscriptiondomain.TierMeteredPublic, last.Transition.To)
	require.Equal(t, subscriptiondomain.UpgradePathFunded, last.Transition.Path)

	balance, err := m.ledgerSvc.Balance(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3000), balance) // 5000 - 2000 recurring fee

	require.Equal(t, 0, m.gateway.chargeCount())
}

func TestCardUpgradeWhenWalletUnderfunded(t *testing.T) {
	m := setupMachine(t)
	m.fund(t, 500)
	m.setInstrument(t)

	last := m.recordCalls(t, 20)
	require.NotNil(t, last.Transition)
	require.Equal(t, subscriptiondomain.TierMeteredPublic, last.Transition.To)
	require.Equal(t, subscriptiondomain.UpgradePathCard, last.Transition.Path)
	require.Equal(t, 1, m.gateway.chargeCount())

	// The wallet stays untouched on the card path.
	balance, err := m.ledgerSvc.Balance(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)
}

func TestPaymentBlockedWithNoFundsAndNoCard(t *testing.T) {
	m := setupMachine(t)
	m.fund(t, 500)

	last := m.recordCalls(t, 20)
	require.NotNil(t, last.Transition)
	require.Equal(t, subscriptiondomain.TierBasic, last.Transition.To)
	require.True(t, last.Blocked)
	require.Equal(t, 0, m.gateway.chargeCount())

	sub, err := m.svc.Get(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.True(t, sub.PaymentBlocked)
	require.Equal(t, subscriptiondomain.TierBasic, sub.Tier)

	account, err := m.accountSvc.GetByID(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.False(t, account.Active)
}

func TestUpgradeFiresOnlyOnce(t *testing.T) {
	m := setupMachine(t)
	m.fund(t, 10000)

	m.recordCalls(t, 20)
	last := m.recordCalls(t, 5)
	require.Nil(t, last.Transition)

	balance, err := m.ledgerSvc.Balance(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8000), balance) // exactly one fee debit
}

func TestReupgradeNextCycleChargesAgain(t *testing.T) {
	m := setupMachine(t)
	m.fund(t, 5000)

	m.recordCalls(t, 20)
	balance, err := m.ledgerSvc.Balance(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3000), balance)

	require.NoError(t, m.svc.Cancel(context.Background(), m.account.ID))

	// New month: counters reset, the line gets heavy again.
	m.clk.Advance(30 * 24 * time.Hour)
	_, err = m.svc.ResetMonthlyCounters(context.Background())
	require.NoError(t, err)

	last := m.recordCalls(t, 20)
	require.NotNil(t, last.Transition)
	require.Equal(t, subscriptiondomain.UpgradePathFunded, last.Transition.Path)

	balance, err = m.ledgerSvc.Balance(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance) // both cycles debited their fee

	var fees int64
	require.NoError(t, m.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ? AND source_type = ?", m.account.ID, ledgerdomain.SourceTypeSubscriptionFee).
		Count(&fees).Error)
	require.Equal(t, int64(2), fees)
}

func TestManualUpgradeRequiresInstrument(t *testing.T) {
	m := setupMachine(t)

	_, err := m.svc.Upgrade(context.Background(), m.account.ID)
	require.ErrorIs(t, err, subscriptiondomain.ErrNoPaymentMethod)

	m.setInstrument(t)
	sub, err := m.svc.Upgrade(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.TierMeteredPublic, sub.Tier)
	require.Equal(t, subscriptiondomain.UpgradePathManual, sub.UpgradePath)
	require.Equal(t, 1, m.gateway.chargeCount())

	_, err = m.svc.Upgrade(context.Background(), m.account.ID)
	require.ErrorIs(t, err, subscriptiondomain.ErrAlreadyUpgraded)
}

func TestCancelRevertsToBasic(t *testing.T) {
	m := setupMachine(t)
	m.setInstrument(t)

	_, err := m.svc.Upgrade(context.Background(), m.account.ID)
	require.NoError(t, err)

	require.NoError(t, m.svc.Cancel(context.Background(), m.account.ID))

	sub, err := m.svc.Get(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.TierBasic, sub.Tier)
	require.Empty(t, sub.RecurringRef)
}

func TestMonthlyResetClearsCountersNotTier(t *testing.T) {
	m := setupMachine(t)
	m.fund(t, 5000)

	m.recordCalls(t, 20)

	touched, err := m.svc.ResetMonthlyCounters(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), touched)

	sub, err := m.svc.Get(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), sub.DirectCalls)
	require.Equal(t, 0, sub.WarningsSent)
	require.Equal(t, subscriptiondomain.TierMeteredPublic, sub.Tier)
}

func TestCardDeclineFallsThroughToBlocked(t *testing.T) {
	m := setupMachine(t)
	m.setInstrument(t)
	m.gateway.failCharges = true

	last := m.recordCalls(t, 20)
	require.NotNil(t, last.Transition)
	require.True(t, last.Blocked)

	sub, err := m.svc.Get(context.Background(), m.account.ID)
	require.NoError(t, err)
	require.True(t, sub.PaymentBlocked)
}
