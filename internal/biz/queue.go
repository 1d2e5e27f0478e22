package biz

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// tierBasePriority is the starting priority of a job per submitter tier.
var tierBasePriority = map[model.Tier]int{
	model.TierFree:       3,
	model.TierPro:        5,
	model.TierEnterprise: 8,
}

const (
	maxRetryBoost      = 2
	longQueuePenalty   = 1
	heavyUserPenalty   = 2
	heavyUserCacheSize = 10000
)

// JobProcessor runs one job of a registered type.
type JobProcessor func(ctx context.Context, job *model.QueueJob) (*model.OrchestrationResult, error)

// SubmitOptions carry the optional fields of a new job.
type SubmitOptions struct {
	CorrelationID     string
	RetryCount        int
	DeadLetterRetries int
	EstimatedDuration time.Duration
}

// PriorityQueueManager admits jobs with a computed priority, runs them on a
// worker pool, retries failures with exponential backoff and moves exhausted
// jobs to the dead-letter set. It implements kratos transport.Server so the
// worker pool starts and stops with the app.
type PriorityQueueManager struct {
	cfg     *conf.Queue
	repo    QueueRepo
	metrics MetricsSink
	logger  *pkglog.LogHelper
	now     func() time.Time

	procMu     sync.RWMutex
	processors map[string]JobProcessor

	heavyMu sync.Mutex
	recent  *lru.Cache[string, []time.Time]

	deadLetterMu sync.Mutex

	statsMu        sync.Mutex
	processed      int64
	processingTime time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPriorityQueueManager creates a queue manager from gateway.queue settings.
func NewPriorityQueueManager(c *conf.Gateway, repo QueueRepo, metrics MetricsSink, logger log.Logger) (*PriorityQueueManager, error) {
	if c == nil || c.Queue == nil {
		return nil, fmt.Errorf("queue configuration is required")
	}
	cp := *c.Queue
	cfg := &cp
	if cfg.Monitor == nil {
		cfg.Monitor = &conf.QueueMonitor{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	recent, err := lru.New[string, []time.Time](heavyUserCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create heavy-user tracker: %w", err)
	}

	return &PriorityQueueManager{
		cfg:        cfg,
		repo:       repo,
		metrics:    metrics,
		logger:     pkglog.NewLogHelper(logger),
		now:        time.Now,
		processors: make(map[string]JobProcessor),
		recent:     recent,
	}, nil
}

// RegisterProcessor binds a job type to its processor.
func (q *PriorityQueueManager) RegisterProcessor(jobType string, p JobProcessor) {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	q.processors[jobType] = p
}

func (q *PriorityQueueManager) processor(jobType string) (JobProcessor, bool) {
	q.procMu.RLock()
	defer q.procMu.RUnlock()
	p, ok := q.processors[jobType]
	return p, ok
}

// CalculatePriority returns a job priority in [PriorityMin, PriorityMax]:
// the tier base, plus one per retry (at most two), minus one when the
// waiting queue is longer than long_queue_threshold, minus two for a heavy user.
func (q *PriorityQueueManager) CalculatePriority(ctx context.Context, tier model.Tier, retryCount int, userID string) int {
	p, ok := tierBasePriority[tier]
	if !ok {
		p = tierBasePriority[model.TierFree]
	}

	if retryCount > 0 {
		p += int(math.Min(float64(retryCount), maxRetryBoost))
	}

	if q.cfg.LongQueueThreshold > 0 {
		waiting, err := q.repo.WaitingLength(ctx)
		if err != nil {
			q.logger.Warnw("msg", "failed to read waiting queue length (degraded mode: no penalty)", "error", err)
		} else if waiting > q.cfg.LongQueueThreshold {
			p -= longQueuePenalty
		}
	}

	if q.isHeavyUser(userID) {
		p -= heavyUserPenalty
	}

	if p < model.PriorityMin {
		p = model.PriorityMin
	}
	if p > model.PriorityMax {
		p = model.PriorityMax
	}
	return p
}

// trackSubmission records a submission for heavy-user throttling.
func (q *PriorityQueueManager) trackSubmission(userID string) {
	if userID == "" {
		return
	}
	q.heavyMu.Lock()
	defer q.heavyMu.Unlock()

	now := q.now()
	times, _ := q.recent.Get(userID)
	times = append(pruneBefore(times, now.Add(-q.cfg.HeavyUserWindow)), now)
	q.recent.Add(userID, times)
}

func (q *PriorityQueueManager) isHeavyUser(userID string) bool {
	if userID == "" || q.cfg.HeavyUserThreshold <= 0 {
		return false
	}
	q.heavyMu.Lock()
	defer q.heavyMu.Unlock()

	times, ok := q.recent.Get(userID)
	if !ok {
		return false
	}
	times = pruneBefore(times, q.now().Add(-q.cfg.HeavyUserWindow))
	q.recent.Add(userID, times)
	return len(times) > q.cfg.HeavyUserThreshold
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(times), func(i int) bool { return !times[i].Before(cutoff) })
	return append([]time.Time(nil), times[i:]...)
}

// Submit admits a new job in WAITING state.
func (q *PriorityQueueManager) Submit(ctx context.Context, jobType string, req *model.AnalysisRequest, user model.User, opts SubmitOptions) (*model.QueueJob, error) {
	if req == nil {
		return nil, pkgerrors.Validation("job request is required")
	}
	if jobType == "" {
		jobType = model.JobTypeAnalysis
	}

	q.trackSubmission(user.ID)

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = req.CorrelationID
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	estimate := opts.EstimatedDuration
	if estimate <= 0 {
		estimate = estimateDuration(req, user.Tier)
	}

	job := &model.QueueJob{
		JobID:             uuid.NewString(),
		Type:              jobType,
		Request:           req,
		Submitter:         user,
		CorrelationID:     correlationID,
		Priority:          q.CalculatePriority(ctx, user.Tier, opts.RetryCount, user.ID),
		CreatedAt:         q.now(),
		EstimatedDuration: estimate.Milliseconds(),
		RetryCount:        opts.RetryCount,
		State:             model.JobWaiting,
		DeadLetterRetries: opts.DeadLetterRetries,
	}

	if err := q.repo.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Queue("job submitted",
		"job_id", job.JobID,
		"type", jobType,
		"priority", job.Priority,
		"user_id", user.ID,
		"tier", string(user.Tier),
		"correlation_id", correlationID)
	return job, nil
}

func estimateDuration(req *model.AnalysisRequest, tier model.Tier) time.Duration {
	backends, err := SelectBackends(req.AnalysisType, tier)
	if err != nil || len(backends) == 0 {
		return 5 * time.Second
	}
	return time.Duration(len(backends)) * 1500 * time.Millisecond
}

// GetJob returns a job by id.
func (q *PriorityQueueManager) GetJob(ctx context.Context, jobID string) (*model.QueueJob, error) {
	job, err := q.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, pkgerrors.JobNotFound(jobID)
	}
	return job, nil
}

// ProcessNext dequeues and runs one job. It reports whether a job was run.
func (q *PriorityQueueManager) ProcessNext(ctx context.Context) (bool, error) {
	paused, err := q.repo.IsPaused(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	if paused {
		return false, pkgerrors.QueuePaused(q.cfg.Name)
	}

	job, err := q.repo.Dequeue(ctx, q.now())
	if err != nil {
		return false, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	started := q.now()
	job.State = model.JobActive
	job.StartedAt = &started
	job.RunAt = nil
	job.Attempts++
	if err := q.repo.SaveJob(ctx, job); err != nil {
		q.logger.Warnw("msg", "failed to persist active job state", "job_id", job.JobID, "error", err)
	}

	q.process(ctx, job)
	return true, nil
}

func (q *PriorityQueueManager) process(ctx context.Context, job *model.QueueJob) {
	proc, ok := q.processor(job.Type)
	if !ok {
		q.handleFailure(ctx, job, pkgerrors.NoProcessor(job.Type), 0)
		return
	}

	// 单个作业的执行时间上限 (job_timeout)，处理器内部据此裁剪编排超时
	jobCtx := ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}

	start := q.now()
	result, err := runProcessor(jobCtx, proc, job)
	duration := q.now().Sub(start)

	if err != nil {
		q.handleFailure(ctx, job, err, duration)
		return
	}

	finished := q.now()
	job.State = model.JobCompleted
	job.Result = result
	job.FinishedAt = &finished
	job.FailureReason = ""
	if err := q.repo.Complete(ctx, job); err != nil {
		q.logger.Errorw("msg", "failed to mark job completed", "job_id", job.JobID, "error", err)
	}

	q.recordProcessing(duration)
	q.metrics.JobFinished(job.Type, model.JobCompleted, duration)
	q.logger.Queue("job completed",
		"job_id", job.JobID,
		"attempts", job.Attempts,
		"duration_ms", duration.Milliseconds())
}

func runProcessor(ctx context.Context, proc JobProcessor, job *model.QueueJob) (result *model.OrchestrationResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job processor panicked: %v", p)
		}
	}()
	return proc(ctx, job)
}

// retryableJobError reports whether a failed job may run again.
func retryableJobError(err error) bool {
	return !pkgerrors.IsReason(err, pkgerrors.ReasonInvalidOrchestrationResult) &&
		!pkgerrors.IsReason(err, pkgerrors.ReasonNoProcessor) &&
		!pkgerrors.IsValidation(err)
}

func (q *PriorityQueueManager) handleFailure(ctx context.Context, job *model.QueueJob, cause error, duration time.Duration) {
	job.FailureReason = cause.Error()
	q.recordProcessing(duration)

	// 可重试且未用尽次数：指数退避后进入 DELAYED；否则转入死信队列
	if retryableJobError(cause) && job.Attempts < q.cfg.MaxAttempts {
		delay := q.backoff(job.Attempts)
		runAt := q.now().Add(delay)
		job.RetryCount++
		// 重试作业提升优先级，不计入重度用户统计
		job.Priority = q.CalculatePriority(ctx, job.Submitter.Tier, job.RetryCount, "")
		job.State = model.JobDelayed
		job.RunAt = &runAt

		if err := q.repo.Schedule(ctx, job, runAt); err != nil {
			q.logger.Errorw("msg", "failed to schedule job retry", "job_id", job.JobID, "error", err)
		}
		q.metrics.JobFinished(job.Type, model.JobDelayed, duration)
		q.logger.Queue("job failed, retry scheduled",
			"job_id", job.JobID,
			"attempt", job.Attempts,
			"max_attempts", q.cfg.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", cause)
		return
	}

	finished := q.now()
	job.State = model.JobFailed
	job.FinishedAt = &finished
	if err := q.repo.Fail(ctx, job); err != nil {
		q.logger.Errorw("msg", "failed to mark job failed", "job_id", job.JobID, "error", err)
	}

	entry := &model.DeadLetterEntry{
		OriginalJobID: job.JobID,
		JobData:       job,
		FailureReason: job.FailureReason,
		FailureCount:  job.Attempts,
		LastFailureAt: finished,
		CanRetry:      job.DeadLetterRetries < q.cfg.DeadLetterMaxRetries,
	}
	if err := q.repo.PutDeadLetter(ctx, entry); err != nil {
		q.logger.Errorw("msg", "failed to store dead-letter entry", "job_id", job.JobID, "error", err)
	}

	q.metrics.JobFinished(job.Type, model.JobFailed, duration)
	q.logger.DeadLetter("job moved to dead-letter queue",
		"job_id", job.JobID,
		"attempts", job.Attempts,
		"dead_letter_retries", job.DeadLetterRetries,
		"can_retry", entry.CanRetry,
		"reason", job.FailureReason)
}

// backoff returns backoff_delay * 2^(attempt-1).
func (q *PriorityQueueManager) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(q.cfg.BackoffDelay) * math.Pow(2, float64(attempt-1)))
}

func (q *PriorityQueueManager) recordProcessing(d time.Duration) {
	q.statsMu.Lock()
	q.processed++
	q.processingTime += d
	q.statsMu.Unlock()
}

func (q *PriorityQueueManager) avgProcessing() time.Duration {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	if q.processed == 0 {
		return 0
	}
	return q.processingTime / time.Duration(q.processed)
}

// RetryDeadLetter re-submits a dead-letter job as a new job and removes the
// entry. An entry whose replay budget is exhausted is left untouched.
func (q *PriorityQueueManager) RetryDeadLetter(ctx context.Context, jobID string) (*model.QueueJob, error) {
	q.deadLetterMu.Lock()
	defer q.deadLetterMu.Unlock()

	entry, err := q.repo.GetDeadLetter(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead-letter entry: %w", err)
	}
	if entry == nil {
		return nil, pkgerrors.DeadLetterNotFound(jobID)
	}
	if !entry.CanRetry || entry.JobData == nil {
		return nil, pkgerrors.DeadLetterNotRetryable(jobID)
	}

	orig := entry.JobData
	job, err := q.Submit(ctx, orig.Type, orig.Request, orig.Submitter, SubmitOptions{
		CorrelationID:     orig.CorrelationID,
		DeadLetterRetries: orig.DeadLetterRetries + 1,
	})
	if err != nil {
		return nil, err
	}

	if err := q.repo.DeleteDeadLetter(ctx, jobID); err != nil {
		q.logger.Errorw("msg", "failed to remove replayed dead-letter entry", "job_id", jobID, "error", err)
	}

	q.logger.DeadLetter("dead-letter job replayed",
		"original_job_id", jobID,
		"new_job_id", job.JobID,
		"dead_letter_retries", job.DeadLetterRetries)
	return job, nil
}

// ListDeadLetters returns every dead-letter entry.
func (q *PriorityQueueManager) ListDeadLetters(ctx context.Context) ([]*model.DeadLetterEntry, error) {
	return q.repo.ListDeadLetters(ctx)
}

// DetectStuckJobs flags active jobs running longer than stuck_timeout.
func (q *PriorityQueueManager) DetectStuckJobs(ctx context.Context) ([]string, error) {
	if q.cfg.StuckTimeout <= 0 {
		return nil, nil
	}
	active, err := q.repo.ActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	cutoff := q.now().Add(-q.cfg.StuckTimeout)
	var stuck []string
	for _, job := range active {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		stuck = append(stuck, job.JobID)
		if job.State != model.JobStuck {
			job.State = model.JobStuck
			if err := q.repo.SaveJob(ctx, job); err != nil {
				q.logger.Warnw("msg", "failed to flag stuck job", "job_id", job.JobID, "error", err)
			}
			q.logger.Queue("job flagged as stuck",
				"job_id", job.JobID,
				"started_at", job.StartedAt,
				"stuck_timeout", q.cfg.StuckTimeout.String())
		}
	}
	return stuck, nil
}

// Metrics collects a snapshot of the queue.
func (q *PriorityQueueManager) Metrics(ctx context.Context) (*model.QueueMetrics, error) {
	counts, err := q.repo.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	paused, err := q.repo.IsPaused(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pause flag: %w", err)
	}
	throughput, err := q.repo.CompletedSince(ctx, q.now().Add(-time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent completions: %w", err)
	}

	m := &model.QueueMetrics{
		Queue:               q.cfg.Name,
		Counts:              counts,
		ThroughputPerMinute: throughput,
		AvgProcessingMs:     float64(q.avgProcessing().Milliseconds()),
		Paused:              paused,
		CollectedAt:         q.now(),
	}
	if finished := counts.Completed + counts.Failed; finished > 0 {
		m.SuccessRate = float64(counts.Completed) / float64(finished)
		m.ErrorRate = float64(counts.Failed) / float64(finished)
	}

	q.metrics.QueueCounts(q.cfg.Name, counts)
	return m, nil
}

// HealthCheck degrades on long queues, high error rates and slow
// processing, and reports unhealthy when stuck jobs exist.
func (q *PriorityQueueManager) HealthCheck(ctx context.Context) *model.QueueHealth {
	h := &model.QueueHealth{
		Status:    model.HealthHealthy,
		Issues:    []string{},
		CheckedAt: q.now(),
	}
	mon := q.cfg.Monitor

	m, err := q.Metrics(ctx)
	if err != nil {
		h.Status = model.HealthUnhealthy
		h.Issues = append(h.Issues, err.Error())
		q.logger.Health("queue health check failed", "queue", q.cfg.Name, "error", err)
		return h
	}
	h.Metrics = m

	if mon.MaxQueueLength > 0 && m.Counts.Waiting > mon.MaxQueueLength {
		h.Status = model.HealthDegraded
		h.Issues = append(h.Issues, fmt.Sprintf("waiting jobs %d exceed %d", m.Counts.Waiting, mon.MaxQueueLength))
	}
	if mon.MaxErrorRate > 0 && m.ErrorRate > mon.MaxErrorRate {
		h.Status = model.HealthDegraded
		h.Issues = append(h.Issues, fmt.Sprintf("error rate %.2f exceeds %.2f", m.ErrorRate, mon.MaxErrorRate))
	}
	if mon.MaxProcessingTime > 0 && q.avgProcessing() > mon.MaxProcessingTime {
		h.Status = model.HealthDegraded
		h.Issues = append(h.Issues, fmt.Sprintf("average processing time %s exceeds %s", q.avgProcessing(), mon.MaxProcessingTime))
	}

	stuck, err := q.DetectStuckJobs(ctx)
	if err != nil {
		h.Issues = append(h.Issues, err.Error())
	}
	if len(stuck) > 0 {
		h.Status = model.HealthUnhealthy
		h.StuckJobs = stuck
		h.Issues = append(h.Issues, fmt.Sprintf("%d stuck jobs", len(stuck)))
	}

	if h.Status != model.HealthHealthy {
		q.logger.Health("queue health degraded", "queue", q.cfg.Name, "status", string(h.Status), "issues", h.Issues)
	}
	return h
}

// Stats returns the operator view of the queue.
func (q *PriorityQueueManager) Stats(ctx context.Context) (*model.QueueStats, error) {
	m, err := q.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	q.procMu.RLock()
	procs := make([]string, 0, len(q.processors))
	for name := range q.processors {
		procs = append(procs, name)
	}
	q.procMu.RUnlock()
	sort.Strings(procs)

	s := &model.QueueStats{
		Metrics:    m,
		Workers:    q.cfg.Workers,
		Processors: procs,
		Running:    q.running.Load(),
	}
	oldest, err := q.repo.OldestWaiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest waiting job: %w", err)
	}
	if oldest != nil {
		s.OldestWaitingMs = q.now().Sub(oldest.CreatedAt).Milliseconds()
	}
	return s, nil
}

// Pause stops workers from taking new jobs. Submissions are still accepted.
func (q *PriorityQueueManager) Pause(ctx context.Context) error {
	if err := q.repo.SetPaused(ctx, true); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	q.logger.Queue("queue paused", "queue", q.cfg.Name)
	return nil
}

// Resume lets workers take jobs again.
func (q *PriorityQueueManager) Resume(ctx context.Context) error {
	if err := q.repo.SetPaused(ctx, false); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	q.logger.Queue("queue resumed", "queue", q.cfg.Name)
	return nil
}

// Clean prunes completed and failed jobs older than the retention window.
func (q *PriorityQueueManager) Clean(ctx context.Context) (int64, error) {
	n, err := q.repo.Clean(ctx, q.now().Add(-q.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean queue: %w", err)
	}
	q.logger.Queue("queue cleaned", "queue", q.cfg.Name, "removed", n)
	return n, nil
}

// Start launches the worker pool. It implements transport.Server.
func (q *PriorityQueueManager) Start(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return nil
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel

	workers := q.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(workerCtx, i)
	}

	q.logger.Startup("queue workers started", "queue", q.cfg.Name, "workers", workers)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs. It implements transport.Server.
func (q *PriorityQueueManager) Stop(ctx context.Context) error {
	if !q.running.CompareAndSwap(true, false) {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Queue("queue workers stopped", "queue", q.cfg.Name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *PriorityQueueManager) work(ctx context.Context, id int) {
	defer q.wg.Done()

	interval := q.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Drain while jobs are available, then wait for the next tick.
		for {
			ran, err := q.ProcessNext(ctx)
			if err != nil && !pkgerrors.IsReason(err, pkgerrors.ReasonQueuePaused) {
				q.logger.Warnw("msg", "queue worker poll failed", "worker", id, "error", err)
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
