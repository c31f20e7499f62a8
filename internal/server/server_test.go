package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	accountservice "github.com/fieldline/snapcalls/internal/account/service"
	alertdomain "github.com/fieldline/snapcalls/internal/alert/domain"
	alertservice "github.com/fieldline/snapcalls/internal/alert/service"
	"github.com/fieldline/snapcalls/internal/callevent/dispatch"
	calleventdomain "github.com/fieldline/snapcalls/internal/callevent/domain"
	calleventservice "github.com/fieldline/snapcalls/internal/callevent/service"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	ledgerservice "github.com/fieldline/snapcalls/internal/ledger/service"
	"github.com/fieldline/snapcalls/internal/payments/adapters"
	"github.com/fieldline/snapcalls/internal/payments/adapters/stripe"
	paymentsdomain "github.com/fieldline/snapcalls/internal/payments/domain"
	paymentsservice "github.com/fieldline/snapcalls/internal/payments/service"
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	subscriptionservice "github.com/fieldline/snapcalls/internal/subscription/service"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testCronSecret = "cron-secret-1"

type testGateway struct{}

func (testGateway) ChargeStoredInstrument(ctx context.Context, customerID, instrumentID string, amount int64, description string) (string, error) {
	return "pi_test", nil
}

func (testGateway) CreateRecurringSubscription(ctx context.Context, customerID, planID string) (string, error) {
	return "sub_test", nil
}

func (testGateway) CancelRecurringSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

type serverFixture struct {
	srv       *Server
	db        *gorm.DB
	clk       *clock.FakeClock
	pool      *dispatch.Pool
	ledgerSvc ledgerdomain.Service
	account   accountdomain.Account
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
		&subscriptiondomain.Subscription{},
		&paymentsdomain.EventRecord{},
		&alertdomain.AlertRecord{},
	))

	node, _ := snowflake.NewNode(6)
	clk := clock.NewFakeClock(time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	cfg := config.Config{
		CronSecret: testCronSecret,
		AdminPhone: "+15559990000",
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	accountSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder, LedgerSvc: ledgerSvc,
	})
	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder,
		LedgerSvc: ledgerSvc, AccountSvc: accountSvc, Gateway: testGateway{},
		SMS: &sms.NoOpProvider{}, Email: &email.NoOpProvider{},
	})
	alertSvc := alertservice.NewService(alertservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder, Cfg: cfg,
		AccountSvc: accountSvc, SMS: &sms.NoOpProvider{}, Email: &email.NoOpProvider{},
	})
	callEventSvc := calleventservice.NewService(calleventservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder,
		AccountSvc: accountSvc, LedgerSvc: ledgerSvc, SubSvc: subSvc, AlertSvc: alertSvc,
		SMS: &sms.NoOpProvider{}, Email: &email.NoOpProvider{},
	})
	paymentsSvc := paymentsservice.NewService(paymentsservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Billing: holder,
		Adapters:  adapters.NewRegistry(stripe.NewAdapter("")),
		LedgerSvc: ledgerSvc, SubSvc: subSvc,
	})

	pool := dispatch.NewPool(zap.NewNop(), 2, 16)
	pool.Start()
	t.Cleanup(pool.Stop)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin: engine, Cfg: cfg, DB: db, Log: zap.NewNop(), GenID: node,
		AccountSvc: accountSvc, CallEventSvc: callEventSvc, LedgerSvc: ledgerSvc,
		SubscriptionSvc: subSvc, AlertSvc: alertSvc, PaymentsSvc: paymentsSvc,
		Pool: pool,
	})

	account, err := accountSvc.Create(context.Background(), accountdomain.CreateAccountRequest{
		BusinessName:   "Cedar Plumbing",
		OwnerPhone:     "+15557770001",
		OwnerEmail:     "owner@cedarplumbing.test",
		LineNumber:     "+15557770002",
		VerifiedNumber: "+15557770003",
	})
	require.NoError(t, err)
	_, err = ledgerSvc.Credit(context.Background(), account.ID, 5000, ledgerdomain.Posting{
		SourceType: ledgerdomain.SourceTypeAdjustment, SourceID: "seed",
	})
	require.NoError(t, err)

	return &serverFixture{
		srv: srv, db: db, clk: clk, pool: pool,
		ledgerSvc: ledgerSvc, account: account,
	}
}

func (f *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(w, req)
	return w
}

func (f *serverFixture) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

func (f *serverFixture) postJSON(path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return f.do(req)
}

// waitForEvent polls until the async pipeline has persisted the event.
func (f *serverFixture) waitForEvent(t *testing.T, sid string) calleventdomain.BillableEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var event calleventdomain.BillableEvent
		err := f.db.Where("provider_call_sid = ?", sid).First(&event).Error
		if err == nil {
			return event
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never persisted", sid)
	return calleventdomain.BillableEvent{}
}

func TestInboundCallAckedAndProcessedAsync(t *testing.T) {
	f := setupServer(t)

	w := f.postForm("/webhooks/telephony/call", url.Values{
		"CallSid":    {"CA100"},
		"From":       {"+15551230001"},
		"To":         {f.account.LineNumber},
		"CallStatus": {"no-answer"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "queued")

	event := f.waitForEvent(t, "CA100")
	require.Equal(t, f.account.ID, event.AccountID)

	balance, err := f.ledgerSvc.Balance(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.Less(t, balance, int64(5000))
}

func TestAnsweredCallIgnored(t *testing.T) {
	f := setupServer(t)

	w := f.postForm("/webhooks/telephony/call", url.Values{
		"CallSid":    {"CA101"},
		"From":       {"+15551230001"},
		"To":         {f.account.LineNumber},
		"CallStatus": {"completed"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ignored")

	var count int64
	require.NoError(t, f.db.Model(&calleventdomain.BillableEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestInboundCallRejectsMissingFields(t *testing.T) {
	f := setupServer(t)

	w := f.postForm("/webhooks/telephony/call", url.Values{
		"From": {"+15551230001"},
		"To":   {f.account.LineNumber},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletBalanceEndpoint(t *testing.T) {
	f := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/wallet/balance?account_id="+f.account.ID.String(), nil)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"balance":5000`)
}

func TestWalletBalanceUnknownAccount(t *testing.T) {
	f := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/wallet/balance?account_id=999999999999", nil)
	w := f.do(req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreditWalletRequiresOpsSecret(t *testing.T) {
	f := setupServer(t)
	body := map[string]any{"amount": 1000, "reference": "promo-1"}
	path := "/api/wallet/credit?account_id=" + f.account.ID.String()

	w := f.postJSON(path, body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.postJSON(path, body, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.postJSON(path, body, map[string]string{"Authorization": "Bearer " + testCronSecret})
	require.Equal(t, http.StatusOK, w.Code)

	balance, err := f.ledgerSvc.Balance(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6000), balance)
}

func TestCreateAccountAndFetch(t *testing.T) {
	f := setupServer(t)

	w := f.postJSON("/api/accounts", map[string]any{
		"business_name":   "Birch Electric",
		"owner_phone":     "+15558880001",
		"owner_email":     "owner@birch.test",
		"line_number":     "+15558880002",
		"verified_number": "+15558880003",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		Data accountdomain.Account `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.Data.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/"+created.Data.ID.String(), nil)
	w = f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Birch Electric")
}

func TestCreateAccountDuplicateNumberConflicts(t *testing.T) {
	f := setupServer(t)

	w := f.postJSON("/api/accounts", map[string]any{
		"business_name":   "Copycat Co",
		"owner_phone":     "+15558880001",
		"owner_email":     "owner@copycat.test",
		"line_number":     f.account.LineNumber,
		"verified_number": "+15558880009",
	}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestSubscriptionEndpoints(t *testing.T) {
	f := setupServer(t)
	q := "?account_id=" + f.account.ID.String()

	req := httptest.NewRequest(http.MethodGet, "/api/subscription"+q, nil)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), string(subscriptiondomain.TierBasic))

	w = f.postJSON("/api/subscription/instrument"+q, map[string]any{
		"customer_id":   "cus_1",
		"instrument_id": "pm_1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.postJSON("/api/subscription/upgrade"+q, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), string(subscriptiondomain.TierMeteredPublic))

	w = f.postJSON("/api/subscription/cancel"+q, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCronEndpointsRequireSecret(t *testing.T) {
	f := setupServer(t)

	w := f.postJSON("/cron/check-alerts", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.postJSON("/cron/check-alerts", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCronWithoutSchedulerUnavailable(t *testing.T) {
	f := setupServer(t)

	w := f.postJSON("/cron/check-alerts", nil, map[string]string{
		"Authorization": "Bearer " + testCronSecret,
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetCallEvent(t *testing.T) {
	f := setupServer(t)

	f.postForm("/webhooks/telephony/call", url.Values{
		"CallSid": {"CA200"},
		"From":    {"+15551230002"},
		"To":      {f.account.LineNumber},
	})
	f.waitForEvent(t, "CA200")

	req := httptest.NewRequest(http.MethodGet, "/api/events/CA200", nil)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "CA200")

	req = httptest.NewRequest(http.MethodGet, "/api/events/CA999", nil)
	w = f.do(req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaymentWebhookUnknownProvider(t *testing.T) {
	f := setupServer(t)

	w := f.postJSON("/webhooks/payments/unknown", map[string]any{"id": "evt_1"}, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestInboundSMSQueued(t *testing.T) {
	f := setupServer(t)

	w := f.postForm("/webhooks/telephony/sms", url.Values{
		"MessageSid": {"SM100"},
		"From":       {"+15551230003"},
		"To":         {f.account.LineNumber},
		"Body":       {"yes please"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "queued")
}
