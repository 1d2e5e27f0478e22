package biz

import (
	"context"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerView is a backend's local breaker stats plus the last snapshot
// published to the shared store by any instance.
type BreakerView struct {
	Local     model.BreakerStats     `json:"local"`
	Published *model.BreakerSnapshot `json:"published,omitempty"`
}

// CacheInvalidation selects what to invalidate. Empty fields are ignored.
type CacheInvalidation struct {
	ProjectID string
	Backend   string
	Tag       string
}

// OpsUsecase is the operator surface: breaker, queue and cache controls.
// Every mutating action is recorded in the audit trail.
type OpsUsecase struct {
	backends     map[string]*conf.Backend
	registry     *CircuitBreakerRegistry
	breakerRepo  CircuitBreakerRepo
	queue        *PriorityQueueManager
	cache        *AdaptiveCache
	orchestrator *Orchestrator
	audit        AuditLogger
	logger       *pkglog.LogHelper
}

// NewOpsUsecase creates an OpsUsecase.
func NewOpsUsecase(
	c *conf.Gateway,
	registry *CircuitBreakerRegistry,
	breakerRepo CircuitBreakerRepo,
	queue *PriorityQueueManager,
	cache *AdaptiveCache,
	orchestrator *Orchestrator,
	audit AuditLogger,
	logger log.Logger,
) *OpsUsecase {
	if audit == nil {
		audit = NoopAuditLogger{}
	}
	return &OpsUsecase{
		backends:     c.Backends,
		registry:     registry,
		breakerRepo:  breakerRepo,
		queue:        queue,
		cache:        cache,
		orchestrator: orchestrator,
		audit:        audit,
		logger:       pkglog.NewLogHelper(logger),
	}
}

func (uc *OpsUsecase) record(ctx context.Context, action, target string, details map[string]interface{}) {
	entry := &model.OpsAuditEntry{
		Action:     action,
		Target:     target,
		OperatorID: pkglog.GetRequestContext(ctx).UserID,
		Details:    details,
		At:         time.Now(),
	}
	uc.audit.Record(ctx, entry)
	uc.logger.Audit("operator action", "action", action, "target", target, "operator_id", entry.OperatorID)
}

func (uc *OpsUsecase) knownBackend(backend string) error {
	if _, ok := uc.backends[backend]; !ok {
		return pkgerrors.Validation("unknown backend %q", backend)
	}
	return nil
}

// Breakers lists the stats of every breaker.
func (uc *OpsUsecase) Breakers() []model.BreakerStats {
	return uc.registry.AllStats()
}

// Breaker returns one backend's breaker view.
func (uc *OpsUsecase) Breaker(ctx context.Context, backend string) (*BreakerView, error) {
	if err := uc.knownBackend(backend); err != nil {
		return nil, err
	}
	view := &BreakerView{Local: uc.registry.Stats(backend)}
	if uc.breakerRepo != nil {
		snap, err := uc.breakerRepo.GetSnapshot(ctx, backend)
		if err != nil {
			uc.logger.Warnw("msg", "failed to read published breaker snapshot", "backend", backend, "error", err)
		} else {
			view.Published = snap
		}
	}
	return view, nil
}

// ForceBreaker pins a backend's breaker into state.
func (uc *OpsUsecase) ForceBreaker(ctx context.Context, backend, state string) (model.BreakerSnapshot, error) {
	if err := uc.knownBackend(backend); err != nil {
		return model.BreakerSnapshot{}, err
	}
	s, ok := model.ParseBreakerState(state)
	if !ok {
		return model.BreakerSnapshot{}, pkgerrors.Validation("unknown breaker state %q", state)
	}
	snap, err := uc.registry.ForceState(ctx, backend, s)
	if err != nil {
		return model.BreakerSnapshot{}, err
	}
	uc.record(ctx, model.AuditBreakerForced, backend, map[string]interface{}{"state": string(s)})
	return snap, nil
}

// ResetBreaker closes a backend's breaker and clears its history.
func (uc *OpsUsecase) ResetBreaker(ctx context.Context, backend string) (model.BreakerSnapshot, error) {
	if err := uc.knownBackend(backend); err != nil {
		return model.BreakerSnapshot{}, err
	}
	snap := uc.registry.Reset(ctx, backend)
	uc.record(ctx, model.AuditBreakerReset, backend, nil)
	return snap, nil
}

// QueueMetrics returns a queue metrics snapshot.
func (uc *OpsUsecase) QueueMetrics(ctx context.Context) (*model.QueueMetrics, error) {
	return uc.queue.Metrics(ctx)
}

// QueueHealth runs the queue health check.
func (uc *OpsUsecase) QueueHealth(ctx context.Context) *model.QueueHealth {
	return uc.queue.HealthCheck(ctx)
}

// QueueStats returns the operator view of the queue.
func (uc *OpsUsecase) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	return uc.queue.Stats(ctx)
}

// PauseQueue stops workers from taking new jobs.
func (uc *OpsUsecase) PauseQueue(ctx context.Context) error {
	if err := uc.queue.Pause(ctx); err != nil {
		return err
	}
	uc.record(ctx, model.AuditQueuePaused, uc.queue.cfg.Name, nil)
	return nil
}

// ResumeQueue lets workers take jobs again.
func (uc *OpsUsecase) ResumeQueue(ctx context.Context) error {
	if err := uc.queue.Resume(ctx); err != nil {
		return err
	}
	uc.record(ctx, model.AuditQueueResumed, uc.queue.cfg.Name, nil)
	return nil
}

// CleanQueue prunes finished jobs past retention.
func (uc *OpsUsecase) CleanQueue(ctx context.Context) (int64, error) {
	n, err := uc.queue.Clean(ctx)
	if err != nil {
		return 0, err
	}
	uc.record(ctx, model.AuditQueueCleaned, uc.queue.cfg.Name, map[string]interface{}{"removed": n})
	return n, nil
}

// DeadLetters lists the dead-letter entries.
func (uc *OpsUsecase) DeadLetters(ctx context.Context) ([]*model.DeadLetterEntry, error) {
	return uc.queue.ListDeadLetters(ctx)
}

// RetryDeadLetter replays a dead-letter entry as a new job.
func (uc *OpsUsecase) RetryDeadLetter(ctx context.Context, jobID string) (*model.QueueJob, error) {
	job, err := uc.queue.RetryDeadLetter(ctx, jobID)
	if err != nil {
		return nil, err
	}
	uc.record(ctx, model.AuditDeadLetterRetried, jobID, map[string]interface{}{"new_job_id": job.JobID})
	return job, nil
}

// CacheStats returns cache counters.
func (uc *OpsUsecase) CacheStats() model.CacheStats {
	return uc.cache.Stats()
}

// CacheHealth runs the cache round-trip health check.
func (uc *OpsUsecase) CacheHealth(ctx context.Context) model.CacheHealth {
	return uc.cache.Health(ctx)
}

// CacheReport returns the cache performance report.
func (uc *OpsUsecase) CacheReport(ctx context.Context) model.CachePerformanceReport {
	return uc.cache.Report(ctx)
}

// InvalidateCache removes entries by project, backend and/or tag and
// returns the number of keys deleted.
func (uc *OpsUsecase) InvalidateCache(ctx context.Context, sel CacheInvalidation) (int64, error) {
	if sel.ProjectID == "" && sel.Backend == "" && sel.Tag == "" {
		return 0, pkgerrors.Validation("one of projectId, backend or tag is required")
	}

	var removed int64
	if sel.ProjectID != "" {
		removed += uc.cache.InvalidateProject(ctx, sel.ProjectID)
	}
	if sel.Backend != "" {
		if err := uc.knownBackend(sel.Backend); err != nil {
			return removed, err
		}
		removed += uc.cache.InvalidateBackend(ctx, sel.Backend)
	}
	if sel.Tag != "" {
		removed += uc.cache.InvalidateByTag(ctx, sel.Tag)
	}

	uc.record(ctx, model.AuditCacheInvalidated, "cache", map[string]interface{}{
		"project_id": sel.ProjectID,
		"backend":    sel.Backend,
		"tag":        sel.Tag,
		"removed":    removed,
	})
	return removed, nil
}

// WarmCache starts a background warming cycle.
func (uc *OpsUsecase) WarmCache(ctx context.Context) bool {
	started := uc.orchestrator.WarmCache(ctx)
	uc.record(ctx, model.AuditCacheWarmTriggered, "cache", map[string]interface{}{"started": started})
	return started
}

// BackendHealth probes every backend.
func (uc *OpsUsecase) BackendHealth(ctx context.Context) []model.BackendHealth {
	return uc.orchestrator.BackendHealth(ctx)
}
