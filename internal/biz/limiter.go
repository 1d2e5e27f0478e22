package biz

import (
	"context"
	"sync/atomic"

	"ChainScope/internal/conf"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/semaphore"
)

// LimiterStats is a point-in-time view of the limiter.
type LimiterStats struct {
	MaxConcurrency int `json:"maxConcurrency"`
	Active         int `json:"active"`
	Waiting        int `json:"waiting"`
}

// ConcurrencyLimiter bounds simultaneous in-flight backend calls.
// Waiters are served in FIFO order.
type ConcurrencyLimiter struct {
	sem     *semaphore.Weighted
	limit   int
	active  atomic.Int64
	waiting atomic.Int64
	metrics MetricsSink
	logger  *pkglog.LogHelper
}

// NewConcurrencyLimiter creates a limiter sized by gateway.orchestrator.max_concurrency.
func NewConcurrencyLimiter(c *conf.Gateway, metrics MetricsSink, logger log.Logger) *ConcurrencyLimiter {
	limit := 1
	if c != nil && c.Orchestrator != nil && c.Orchestrator.MaxConcurrency > 0 {
		limit = c.Orchestrator.MaxConcurrency
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &ConcurrencyLimiter{
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   limit,
		metrics: metrics,
		logger:  pkglog.NewLogHelper(logger),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context) error {
	if l.sem.TryAcquire(1) {
		l.active.Add(1)
		l.report()
		return nil
	}

	waiting := l.waiting.Add(1)
	l.logger.Concurrency("waiting for concurrency slot", "waiting", waiting, "max_concurrency", l.limit)
	l.report()

	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		l.report()
		return err
	}

	l.active.Add(1)
	l.report()
	return nil
}

// Release frees a slot acquired by Acquire.
func (l *ConcurrencyLimiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
	l.report()
}

// Run executes fn while holding a slot. The slot is released even if fn panics.
func (l *ConcurrencyLimiter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Waiting returns the number of callers blocked in Acquire.
func (l *ConcurrencyLimiter) Waiting() int {
	return int(l.waiting.Load())
}

// Stats returns the current usage.
func (l *ConcurrencyLimiter) Stats() LimiterStats {
	return LimiterStats{
		MaxConcurrency: l.limit,
		Active:         int(l.active.Load()),
		Waiting:        int(l.waiting.Load()),
	}
}

func (l *ConcurrencyLimiter) report() {
	l.metrics.LimiterUsage(int(l.active.Load()), int(l.waiting.Load()))
}
