// Package server exposes the HTTP surface: provider webhooks, the
// account-facing wallet and subscription API, ops endpoints and the
// cron triggers used by external schedulers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	alertdomain "github.com/fieldline/snapcalls/internal/alert/domain"
	"github.com/fieldline/snapcalls/internal/callevent/dispatch"
	calleventdomain "github.com/fieldline/snapcalls/internal/callevent/domain"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	"github.com/fieldline/snapcalls/internal/observability"
	obsmiddleware "github.com/fieldline/snapcalls/internal/observability/logger"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	obstracing "github.com/fieldline/snapcalls/internal/observability/tracing"
	paymentsdomain "github.com/fieldline/snapcalls/internal/payments/domain"
	"github.com/fieldline/snapcalls/internal/ratelimit"
	"github.com/fieldline/snapcalls/internal/scheduler"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node

	accountSvc      accountdomain.Service
	callEventSvc    calleventdomain.Service
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	alertSvc        alertdomain.Service
	paymentsSvc     paymentsdomain.Service

	pool      *dispatch.Pool
	limiter   *ratelimit.WebhookLimiter
	scheduler *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node

	AccountSvc      accountdomain.Service
	CallEventSvc    calleventdomain.Service
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	AlertSvc        alertdomain.Service
	PaymentsSvc     paymentsdomain.Service

	Pool      *dispatch.Pool
	Limiter   *ratelimit.WebhookLimiter `optional:"true"`
	Scheduler *scheduler.Scheduler      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("server"),
		genID:           p.GenID,
		accountSvc:      p.AccountSvc,
		callEventSvc:    p.CallEventSvc,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		alertSvc:        p.AlertSvc,
		paymentsSvc:     p.PaymentsSvc,
		pool:            p.Pool,
		limiter:         p.Limiter,
		scheduler:       p.Scheduler,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerCronRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")

	telephony := webhooks.Group("/telephony")
	{
		telephony.POST("/call", s.HandleInboundCall)
		telephony.POST("/sms", s.HandleInboundSMS)
	}

	webhooks.POST("/payments/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/accounts", s.CreateAccount)
	api.GET("/accounts/:id", s.GetAccount)
	api.PUT("/accounts/:id/features", s.UpdateAccountFeatures)
	api.PUT("/accounts/:id/templates/:kind", s.UpdateAccountTemplate)
	api.POST("/accounts/:id/vip-contacts", s.AddVipContact)
	api.DELETE("/accounts/:id/vip-contacts/:phone", s.RemoveVipContact)

	api.GET("/wallet/balance", s.GetWalletBalance)
	api.POST("/wallet/credit", s.OpsAuthRequired(), s.CreditWallet)
	api.GET("/wallet/entries", s.ListWalletEntries)

	api.GET("/subscription", s.GetSubscription)
	api.POST("/subscription/upgrade", s.UpgradeSubscription)
	api.POST("/subscription/cancel", s.CancelSubscription)
	api.POST("/subscription/instrument", s.SetSubscriptionInstrument)

	api.GET("/events/:sid", s.GetCallEvent)

	api.GET("/admin/alerts", s.OpsAuthRequired(), s.GetSystemAlerts)
}

func (s *Server) registerCronRoutes() {
	cron := s.engine.Group("/cron", s.CronAuthRequired())

	cron.POST("/reset-direct-calls", s.CronResetDirectCalls)
	cron.POST("/check-alerts", s.CronCheckAlerts)
	cron.POST("/dispatch-follow-ups", s.CronDispatchFollowUps)
	cron.POST("/dormant-accounts", s.CronDormantAccounts)
}
