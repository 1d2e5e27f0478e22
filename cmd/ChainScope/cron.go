package main

import (
	"context"
	"fmt"
	"time"

	"ChainScope/internal/biz"
	"ChainScope/internal/conf"
	"ChainScope/internal/server"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// Monitor runs the periodic queue, health and cache-warming jobs.
// It implements transport.Server so the Kratos app owns its lifecycle.
type Monitor struct {
	cron   *cron.Cron
	jobs   []string
	logger *pkglog.LogHelper
}

// newMonitor registers every enabled job. Empty schedules disable a job.
// Schedules use the six-field cron syntax (seconds first).
func newMonitor(c *conf.Gateway, queue *biz.PriorityQueueManager, orchestrator *biz.Orchestrator, health *server.HealthReporter, logger log.Logger) (*Monitor, error) {
	m := &Monitor{
		cron:   cron.New(cron.WithSeconds()),
		logger: pkglog.NewLogHelper(logger),
	}

	var mon conf.QueueMonitor
	if c.Queue != nil && c.Queue.Monitor != nil {
		mon = *c.Queue.Monitor
	}

	if err := m.add("queue-metrics", mon.MetricsSchedule, 10*time.Second, func(ctx context.Context) error {
		_, err := queue.Metrics(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	// Health: probes Redis, the queue (marking stuck jobs) and the cache,
	// and publishes the result on the gRPC health service.
	if err := m.add("health", mon.HealthSchedule, 30*time.Second, func(ctx context.Context) error {
		health.Check(ctx)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := m.add("queue-cleanup", mon.CleanupSchedule, 5*time.Minute, func(ctx context.Context) error {
		_, err := queue.Clean(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if c.Cache != nil && c.Cache.Warm != nil && c.Cache.Warm.Enabled {
		if err := m.add("cache-warm", c.Cache.Warm.Schedule, time.Minute, func(ctx context.Context) error {
			if !orchestrator.WarmCache(ctx) {
				m.logger.Cache("cache warming already in progress, cycle skipped")
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Monitor) add(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if schedule == "" {
		return nil
	}
	_, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			m.logger.Errorw("msg", "scheduled job failed", "job", name, "error", err)
			return
		}
		m.logger.Debugw("msg", "scheduled job completed", "job", name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("failed to register %s job with schedule %q: %w", name, schedule, err)
	}
	m.jobs = append(m.jobs, name)
	return nil
}

// Jobs lists the registered job names in registration order.
func (m *Monitor) Jobs() []string {
	return m.jobs
}

// Start implements transport.Server.
func (m *Monitor) Start(_ context.Context) error {
	m.cron.Start()
	m.logger.Startup("monitor started", "jobs", m.jobs)
	return nil
}

// Stop implements transport.Server. It waits for running jobs or ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		m.logger.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
