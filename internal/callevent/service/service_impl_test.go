package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	accountservice "github.com/fieldline/snapcalls/internal/account/service"
	calleventdomain "github.com/fieldline/snapcalls/internal/callevent/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	ledgerservice "github.com/fieldline/snapcalls/internal/ledger/service"
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeSMS struct {
	mu   sync.Mutex
	sent []sms.Message
	fail bool
}

func (f *fakeSMS) Send(ctx context.Context, msg sms.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("carrier unavailable")
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("SM%04d", len(f.sent)), nil
}

func (f *fakeSMS) sentTo(number string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, msg := range f.sent {
		if msg.To == number {
			count++
		}
	}
	return count
}

type pipeline struct {
	svc        calleventdomain.Service
	db         *gorm.DB
	node       *snowflake.Node
	clk        *clock.FakeClock
	sms        *fakeSMS
	accountSvc accountdomain.Service
	ledgerSvc  ledgerdomain.Service
	account    accountdomain.Account
}

const (
	testLine   = "+15550001111"
	testOwner  = "+15550003333"
	testCaller = "+15557778888"
)

func setupPipeline(t *testing.T, billing config.BillingConfig) *pipeline {
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
		&accountdomain.VipContact{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&calleventdomain.BillableEvent{},
		&calleventdomain.FollowUp{},
	))

	node, _ := snowflake.NewNode(1)
	// A Monday at 15:00 UTC, inside the default 09:00-17:00 window.
	clk := clock.NewFakeClock(time.Date(2024, 5, 6, 15, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(billing)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	accountSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder, LedgerSvc: ledgerSvc,
	})

	account, err := accountSvc.Create(context.Background(), accountdomain.CreateAccountRequest{
		BusinessName:   "Apex Plumbing",
		OwnerEmail:     "owner@apexplumbing.test",
		OwnerPhone:     testOwner,
		LineNumber:     testLine,
		VerifiedNumber: "+15550002222",
		Timezone:       "UTC",
		DaysOpen:       []int{1, 2, 3, 4, 5},
		OpensAt:        "09:00",
		ClosesAt:       "17:00",
	})
	require.NoError(t, err)

	smsP := &fakeSMS{}
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Billing:    holder,
		AccountSvc: accountSvc,
		LedgerSvc:  ledgerSvc,
		SMS:        smsP,
		Email:      &email.NoOpProvider{},
	})

	return &pipeline{
		svc:        svc,
		db:         db,
		node:       node,
		clk:        clk,
		sms:        smsP,
		accountSvc: accountSvc,
		ledgerSvc:  ledgerSvc,
		account:    account,
	}
}

func (p *pipeline) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := p.ledgerSvc.Credit(context.Background(), p.account.ID, amount, ledgerdomain.Posting{
		SourceType: ledgerdomain.SourceTypeDeposit,
		SourceID:   fmt.Sprintf("dep-%d", amount),
	})
	require.NoError(t, err)
}

func (p *pipeline) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := p.ledgerSvc.Balance(context.Background(), p.account.ID)
	require.NoError(t, err)
	return balance
}

func (p *pipeline) enable(t *testing.T, mutate func(*accountdomain.FeatureFlags)) {
	t.Helper()
	flags := p.account.Features
	mutate(&flags)
	require.NoError(t, p.accountSvc.SetFeatures(context.Background(), p.account.ID, flags))
	account, err := p.accountSvc.GetByID(context.Background(), p.account.ID)
	require.NoError(t, err)
	p.account = account
}

func callReq(sid string) calleventdomain.CallEventRequest {
	return calleventdomain.CallEventRequest{
		ProviderCallSID: sid,
		CallerNumber:    testCaller,
		CallerName:      "Dana",
		LineNumber:      testLine,
	}
}

func TestProcessCallChargesBaseRate(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA100"))
	require.NoError(t, err)

	require.Equal(t, calleventdomain.ClassificationStandard, event.Classification)
	require.Equal(t, calleventdomain.DeliverySent, event.DeliveryStatus)
	require.Equal(t, calleventdomain.BillingCharged, event.BillingStatus)
	require.Equal(t, int64(100), event.CostTotal)
	require.Equal(t, int64(900), p.balance(t))

	require.Equal(t, 1, p.sms.sentTo(testCaller))
	require.Equal(t, 1, p.sms.sentTo(testOwner))
}

func TestDuplicateCallBilledOnce(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)

	first, err := p.svc.ProcessCall(context.Background(), callReq("CA200"))
	require.NoError(t, err)

	second, err := p.svc.ProcessCall(context.Background(), callReq("CA200"))
	require.ErrorIs(t, err, calleventdomain.ErrDuplicateEvent)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, p.db.Model(&calleventdomain.BillableEvent{}).
		Where("provider_call_sid = ?", "CA200").Count(&count).Error)
	require.Equal(t, int64(1), count)

	require.Equal(t, int64(900), p.balance(t))
	require.Equal(t, 1, p.sms.sentTo(testCaller))
}

func TestBelowFloorDropsBeforeSend(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 50)

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA300"))
	require.ErrorIs(t, err, calleventdomain.ErrBelowFloor)

	require.Equal(t, calleventdomain.DeliverySkipped, event.DeliveryStatus)
	require.Equal(t, calleventdomain.BillingSkippedBalance, event.BillingStatus)
	require.Equal(t, int64(50), p.balance(t))
	require.Equal(t, 0, p.sms.sentTo(testCaller))
}

func TestExactCostGateDropsUnaffordableCall(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 120)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.Sequences = true })

	// Above the floor (100) but below the priced cost (150).
	event, err := p.svc.ProcessCall(context.Background(), callReq("CA310"))
	require.ErrorIs(t, err, calleventdomain.ErrBelowFloor)
	require.Equal(t, calleventdomain.BillingSkippedBalance, event.BillingStatus)
	require.Equal(t, int64(120), p.balance(t))
	require.Equal(t, 0, p.sms.sentTo(testCaller))
}

func TestChargeOnAttemptBillsFailedDelivery(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.sms.fail = true

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA400"))
	require.NoError(t, err)

	require.Equal(t, calleventdomain.DeliveryFailed, event.DeliveryStatus)
	require.Equal(t, calleventdomain.BillingCharged, event.BillingStatus)
	require.Equal(t, int64(100), event.CostTotal)
	require.Equal(t, int64(900), p.balance(t))
}

func TestLegacyPolicySkipsChargeOnFailure(t *testing.T) {
	billing := config.DefaultBillingConfig()
	billing.Policy.ChargeOnAttempt = false
	p := setupPipeline(t, billing)
	p.fund(t, 1000)
	p.sms.fail = true

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA500"))
	require.NoError(t, err)

	require.Equal(t, calleventdomain.DeliveryFailed, event.DeliveryStatus)
	require.Equal(t, calleventdomain.BillingUncharged, event.BillingStatus)
	require.Equal(t, int64(0), event.CostTotal)
	require.Equal(t, int64(1000), p.balance(t))
}

func TestAfterHoursBeatsVoicemail(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.clk.Advance(8 * time.Hour) // 23:00, outside business hours

	req := callReq("CA600")
	req.HasVoicemail = true
	event, err := p.svc.ProcessCall(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, calleventdomain.ClassificationAfterHours, event.Classification)
}

func TestVoicemailClassificationInsideHours(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)

	req := callReq("CA610")
	req.HasVoicemail = true
	event, err := p.svc.ProcessCall(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, calleventdomain.ClassificationVoicemail, event.Classification)
}

func TestFollowUpsCreatedOncePerEvent(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.Sequences = true })

	_, err := p.svc.ProcessCall(context.Background(), callReq("CA700"))
	require.NoError(t, err)

	_, err = p.svc.ProcessCall(context.Background(), callReq("CA700"))
	require.ErrorIs(t, err, calleventdomain.ErrDuplicateEvent)

	var count int64
	require.NoError(t, p.db.Model(&calleventdomain.FollowUp{}).
		Where("account_id = ?", p.account.ID).Count(&count).Error)
	require.Equal(t, int64(3), count)
}

func TestNoFollowUpsWithoutSequences(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)

	_, err := p.svc.ProcessCall(context.Background(), callReq("CA710"))
	require.NoError(t, err)

	var count int64
	require.NoError(t, p.db.Model(&calleventdomain.FollowUp{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestDispatchFollowUpsSendsOnlyDue(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.Sequences = true })

	_, err := p.svc.ProcessCall(context.Background(), callReq("CA800"))
	require.NoError(t, err)
	callerSends := p.sms.sentTo(testCaller)

	// +3h: only the +2h follow-up is due.
	due := p.clk.Now().Add(3 * time.Hour)
	attempted, err := p.svc.DispatchFollowUps(context.Background(), due, 10)
	require.NoError(t, err)
	require.Equal(t, 1, attempted)
	require.Equal(t, callerSends+1, p.sms.sentTo(testCaller))

	var pending int64
	require.NoError(t, p.db.Model(&calleventdomain.FollowUp{}).
		Where("status = ?", calleventdomain.FollowUpPending).Count(&pending).Error)
	require.Equal(t, int64(2), pending)

	// Re-running at the same instant attempts nothing new.
	attempted, err = p.svc.DispatchFollowUps(context.Background(), due, 10)
	require.NoError(t, err)
	require.Equal(t, 0, attempted)
}

func TestReplyChargedAtMostOnce(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.TwoWay = true })

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA900"))
	require.NoError(t, err)
	require.Equal(t, int64(100), event.CostTotal)

	reply := calleventdomain.ReplyEventRequest{
		ProviderMessageSID: "SM900",
		CallerNumber:       testCaller,
		LineNumber:         testLine,
		Body:               "yes please call me back",
	}

	updated, err := p.svc.ProcessReply(context.Background(), reply)
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, int64(50), updated.TwoWayCost)
	require.Equal(t, int64(150), updated.CostTotal)
	require.NotNil(t, updated.RepliedAt)
	require.Equal(t, int64(850), p.balance(t))

	reply.ProviderMessageSID = "SM901"
	_, err = p.svc.ProcessReply(context.Background(), reply)
	require.NoError(t, err)
	require.Equal(t, int64(850), p.balance(t))

	var count int64
	require.NoError(t, p.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ? AND source_type = ?", p.account.ID, ledgerdomain.SourceTypeReplyCharge).
		Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestReplyIgnoredWithoutTwoWay(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)

	_, err := p.svc.ProcessCall(context.Background(), callReq("CA910"))
	require.NoError(t, err)

	updated, err := p.svc.ProcessReply(context.Background(), calleventdomain.ReplyEventRequest{
		CallerNumber: testCaller,
		LineNumber:   testLine,
		Body:         "hello",
	})
	require.NoError(t, err)
	require.Nil(t, updated)
	require.Equal(t, int64(900), p.balance(t))
}

func TestVipPriorityPricingAndStats(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.VipPriority = true })
	_, err := p.accountSvc.AddVipContact(context.Background(), p.account.ID, testCaller, "Dana")
	require.NoError(t, err)

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA920"))
	require.NoError(t, err)
	require.True(t, event.VIPCaller)
	require.Equal(t, int64(125), event.CostTotal)

	var contact accountdomain.VipContact
	require.NoError(t, p.db.Where("account_id = ?", p.account.ID).First(&contact).Error)
	require.Equal(t, int64(1), contact.CallCount)
	require.NotNil(t, contact.LastCallAt)
}

func TestVipPriorityStandardCallerRate(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.VipPriority = true })

	event, err := p.svc.ProcessCall(context.Background(), callReq("CA930"))
	require.NoError(t, err)
	require.False(t, event.VIPCaller)
	require.Equal(t, int64(150), event.CostTotal)
}

func TestRepeatCallerRecognition(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	p.enable(t, func(f *accountdomain.FeatureFlags) { f.Recognition = true })

	first, err := p.svc.ProcessCall(context.Background(), callReq("CA940"))
	require.NoError(t, err)
	require.False(t, first.RepeatCaller)
	require.Equal(t, int64(100), first.CostTotal)

	second, err := p.svc.ProcessCall(context.Background(), callReq("CA941"))
	require.NoError(t, err)
	require.True(t, second.RepeatCaller)
	require.Equal(t, int64(125), second.CostTotal)
}

func TestUnknownLineDropped(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())

	req := callReq("CA950")
	req.LineNumber = "+15559990000"
	_, err := p.svc.ProcessCall(context.Background(), req)
	require.ErrorIs(t, err, calleventdomain.ErrUnknownLine)
}

func TestInactiveAccountDropped(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)
	require.NoError(t, p.accountSvc.SetActive(context.Background(), p.account.ID, false))

	_, err := p.svc.ProcessCall(context.Background(), callReq("CA960"))
	require.ErrorIs(t, err, accountdomain.ErrAccountInactive)
	require.Equal(t, 0, p.sms.sentTo(testCaller))
}

func TestResponseUsesTemplateVariables(t *testing.T) {
	p := setupPipeline(t, config.DefaultBillingConfig())
	p.fund(t, 1000)

	_, err := p.accountSvc.UpdateTemplate(context.Background(), accountdomain.UpdateTemplateRequest{
		AccountID: p.account.ID,
		Kind:      accountdomain.TemplateStandard,
		Body:      "Hi {caller_name}, {business_name} will call you back. Hours: {business_hours}.",
	})
	require.NoError(t, err)

	_, err = p.svc.ProcessCall(context.Background(), callReq("CA970"))
	require.NoError(t, err)

	p.sms.mu.Lock()
	defer p.sms.mu.Unlock()
	var body string
	for _, msg := range p.sms.sent {
		if msg.To == testCaller {
			body = msg.Body
		}
	}
	require.Equal(t, "Hi Dana, Apex Plumbing will call you back. Hours: 09:00-17:00.", body)
}

func TestOwnerReplyNoticeTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200)
	notice := ownerReplyNotice("+15551234567", long)

	require.True(t, utf8.ValidString(notice), "truncation must not split a rune")
	require.Equal(t, "Reply from +15551234567: "+strings.Repeat("é", 160), notice)

	short := ownerReplyNotice("+15551234567", "  on my way  ")
	require.Equal(t, "Reply from +15551234567: on my way", short)
}
