// Package scheduler drives the periodic maintenance jobs: follow-up
// dispatch, alert sweeps, monthly usage resets and dormant account
// cleanup. Jobs are guarded by redis locks when rate limiting is
// enabled so only one instance works a job at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	alertdomain "github.com/fieldline/snapcalls/internal/alert/domain"
	calleventdomain "github.com/fieldline/snapcalls/internal/callevent/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	"github.com/fieldline/snapcalls/internal/ratelimit"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	AccountSvc      accountdomain.Service
	CallEventSvc    calleventdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	AlertSvc        alertdomain.Service

	Limiter *ratelimit.WebhookLimiter `optional:"true"`
	Config  Config                    `optional:"true"`
}

type Scheduler struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   Config
	genID *snowflake.Node
	clock clock.Clock

	accountSvc      accountdomain.Service
	callEventSvc    calleventdomain.Service
	subscriptionSvc subscriptiondomain.Service
	alertSvc        alertdomain.Service

	limiter *ratelimit.WebhookLimiter

	mu       sync.Mutex
	lastRuns map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.AccountSvc == nil || p.CallEventSvc == nil || p.SubscriptionSvc == nil || p.AlertSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		accountSvc:      p.AccountSvc,
		callEventSvc:    p.CallEventSvc,
		subscriptionSvc: p.SubscriptionSvc,
		alertSvc:        p.AlertSvc,
		limiter:         p.Limiter,
		lastRuns:        map[string]time.Time{},
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	token, acquired, err := s.limiter.TryLockJob(ctx, name)
	if err != nil {
		s.log.Warn("job lock unavailable, proceeding", zap.String("job", name), zap.Error(err))
		acquired = true
	}
	if !acquired {
		s.log.Debug("job held elsewhere, skipping", zap.String("job", name))
		return nil
	}
	if token != "" {
		defer func() {
			if err := s.limiter.ReleaseJob(context.WithoutCancel(ctx), name, token); err != nil {
				s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	jobErr := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if jobErr != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if jobErr == nil {
		return nil
	}

	isTimeout := errors.Is(jobErr, context.DeadlineExceeded) || errors.Is(jobErr, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, jobErr)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(jobErr),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, jobErr)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	now := s.clock.Now().UTC()
	var err error

	jobs := []struct {
		Name string
		Due  bool
		Run  func(context.Context) error
	}{
		{"followup_dispatch", true, s.RunFollowUpDispatch},
		{"alert_sweep", s.intervalDue("alert_sweep", now, s.cfg.SweepInterval), s.RunAlertSweep},
		{"monthly_reset", s.monthlyResetDue(now), s.RunMonthlyReset},
		{"dormant_accounts", s.intervalDue("dormant_accounts", now, s.cfg.DormantSweepInterval), s.RunDormantSweep},
	}

	for _, job := range jobs {
		if !job.Due || !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, job.Run(parent))
		s.markRan(job.Name, now)
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunFollowUpDispatch(ctx context.Context) error {
	return s.runJob(ctx, "followup_dispatch", s.cfg.BatchSize, 30*time.Second, s.followUpDispatchJob)
}

func (s *Scheduler) RunAlertSweep(ctx context.Context) error {
	return s.runJob(ctx, "alert_sweep", 1, 30*time.Second, s.alertSweepJob)
}

func (s *Scheduler) RunMonthlyReset(ctx context.Context) error {
	return s.runJob(ctx, "monthly_reset", 1, 30*time.Second, s.monthlyResetJob)
}

func (s *Scheduler) RunDormantSweep(ctx context.Context) error {
	return s.runJob(ctx, "dormant_accounts", s.cfg.BatchSize, time.Minute, s.dormantAccountsJob)
}

func (s *Scheduler) followUpDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "followup_dispatch", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now().UTC()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sent, err := s.callEventSvc.DispatchFollowUps(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.followup.dispatch.failed", "followup_dispatch", 0, err)
			return err
		}
		run.AddProcessed(sent)
		if sent < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Scheduler) alertSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "alert_sweep", 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.alertSvc.SystemSweep(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.alert.sweep.failed", "alert_sweep", 0, err)
		return err
	}
	run.AddProcessed(len(report.Alerts))
	if report.HasCritical() {
		s.logger(ctx).Warn("system sweep found critical alerts",
			zap.Int("alert_count", len(report.Alerts)),
		)
	}
	return nil
}

func (s *Scheduler) monthlyResetJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "monthly_reset", 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	reset, err := s.subscriptionSvc.ResetMonthlyCounters(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.monthly.reset.failed", "monthly_reset", 0, err)
		return err
	}
	run.AddProcessed(int(reset))
	s.logger(ctx).Info("monthly counters reset", zap.Int64("subscriptions", reset))
	return nil
}

// dormantAccountsJob deactivates accounts whose wallet has been empty
// with no ledger activity for the dormancy window. Owners get back by
// depositing again, which reactivates through the normal signup flow.
func (s *Scheduler) dormantAccountsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "dormant_accounts", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	cutoff := s.clock.Now().UTC().Add(-s.cfg.DormantAfter)
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ids []snowflake.ID
		err := s.db.WithContext(ctx).
			Model(&accountdomain.Account{}).
			Select("accounts.id").
			Joins("JOIN wallets ON wallets.account_id = accounts.id").
			Where("accounts.active = ?", true).
			Where("accounts.created_at <= ?", cutoff).
			Where("wallets.balance = ?", 0).
			Where("NOT EXISTS (SELECT 1 FROM ledger_entries WHERE ledger_entries.account_id = accounts.id AND ledger_entries.created_at > ?)", cutoff).
			Limit(s.cfg.BatchSize).
			Scan(&ids).Error
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dormant.fetch.failed", "dormant_accounts", 0, err)
			return err
		}
		if len(ids) == 0 {
			return jobErr
		}

		for _, id := range ids {
			if err := s.accountSvc.SetActive(ctx, id, false); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.dormant.deactivate.failed", "dormant_accounts", id, err)
				continue
			}
			run.AddProcessed(1)
			s.logger(ctx).Info("dormant account deactivated", zap.String("account_id", id.String()))
		}
		if len(ids) < s.cfg.BatchSize {
			return jobErr
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) intervalDue(name string, now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRuns[name]
	return !ok || now.Sub(last) >= interval
}

// monthlyResetDue fires on the first day of the month, once. Counters
// zeroed twice in one day would erase usage recorded in between.
func (s *Scheduler) monthlyResetDue(now time.Time) bool {
	if now.Day() != 1 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRuns["monthly_reset"]
	return !ok || last.Month() != now.Month() || last.Year() != now.Year()
}

func (s *Scheduler) markRan(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRuns[name] = now
}
