package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/snapcalls/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyWebhookLine     = "webhook:line:%s"
	keyWebhookProvider = "webhook:provider:%s"
	keyJobLock         = "jobs:lock:%s"
)

// WebhookLimiter throttles inbound telephony and payment webhooks per
// source, and hands out short-lived locks so scheduled jobs run on one
// instance at a time. A nil limiter allows everything, which keeps
// single-node deployments working without redis.
type WebhookLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewWebhookLimiter(cfg config.Config) (*WebhookLimiter, error) {
	if !cfg.RateLimitEnabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if cfg.WebhookRate <= 0 || cfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}
	if cfg.JobLockTTLSeconds <= 0 {
		return nil, errors.New("job lock ttl must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return &WebhookLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    cfg.WebhookRate,
		burst:   cfg.WebhookBurst,
		lockTTL: time.Duration(cfg.JobLockTTLSeconds) * time.Second,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowLine gates a telephony webhook by the business line it targets.
func (l *WebhookLimiter) AllowLine(ctx context.Context, lineNumber string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookLine, strings.TrimSpace(lineNumber)), l.rate, l.burst)
}

// AllowProvider gates a payment webhook by provider name.
func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookProvider, strings.TrimSpace(provider)), l.rate, l.burst)
}

// TryLockJob claims the named job. The ok result is true when this
// instance holds the lock; with limiting disabled every claim succeeds.
func (l *WebhookLimiter) TryLockJob(ctx context.Context, job string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyJobLock, strings.TrimSpace(job)), l.lockTTL)
}

func (l *WebhookLimiter) ReleaseJob(ctx context.Context, job, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyJobLock, strings.TrimSpace(job)), token)
}
