package biz

import (
	"context"
	"sort"
	"strings"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const warmUserID = "cache-warmer"

// AnalysisOutcome is the answer to a synchronous analysis request: either a
// result, or the job the request was diverted to under overload.
type AnalysisOutcome struct {
	Result *model.OrchestrationResult
	Job    *model.QueueJob
}

// Orchestrator composes the engine: cache read, plan, bounded parallel
// execution through the circuit breakers, aggregation and cache write.
// The queue is the alternate entry path for asynchronous and diverted requests.
type Orchestrator struct {
	cfg        *conf.Orchestrator
	backends   map[string]*conf.Backend
	cache      *AdaptiveCache
	planner    *ExecutionPlanner
	executor   *PlanExecutor
	aggregator *ResultAggregator
	limiter    *ConcurrencyLimiter
	queue      *PriorityQueueManager
	registry   *CircuitBreakerRegistry
	invoker    *ServiceInvoker
	metrics    MetricsSink
	logger     *pkglog.LogHelper

	inflight singleflight.Group
}

// NewOrchestrator wires the engine together, registers the built-in
// fallbacks of every backend and the "analysis" job processor.
func NewOrchestrator(
	c *conf.Gateway,
	cache *AdaptiveCache,
	planner *ExecutionPlanner,
	executor *PlanExecutor,
	aggregator *ResultAggregator,
	limiter *ConcurrencyLimiter,
	queue *PriorityQueueManager,
	registry *CircuitBreakerRegistry,
	invoker *ServiceInvoker,
	metrics MetricsSink,
	logger log.Logger,
) *Orchestrator {
	cfg := c.Orchestrator
	if cfg == nil {
		cfg = &conf.Orchestrator{AggregationPolicy: conf.AggregationBestEffort}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	o := &Orchestrator{
		cfg:        cfg,
		backends:   c.Backends,
		cache:      cache,
		planner:    planner,
		executor:   executor,
		aggregator: aggregator,
		limiter:    limiter,
		queue:      queue,
		registry:   registry,
		invoker:    invoker,
		metrics:    metrics,
		logger:     pkglog.NewLogHelper(logger),
	}

	names := make([]string, 0, len(c.Backends))
	static := make(map[string]map[string]interface{})
	for name, b := range c.Backends {
		names = append(names, name)
		if len(b.StaticFallback) > 0 {
			static[name] = b.StaticFallback
		}
	}
	registry.Ensure(names...)

	var cached FallbackStrategy
	if cache != nil {
		cached = NewCachedResponseFallback(cache)
	}
	staticFallback := NewStaticResponseFallback(static)
	for _, name := range names {
		if cached != nil {
			registry.RegisterFallback(name, cached)
		}
		if _, ok := static[name]; ok {
			registry.RegisterFallback(name, staticFallback)
		}
	}

	if queue != nil {
		queue.RegisterProcessor(model.JobTypeAnalysis, o.ProcessJob)
	}
	return o
}

// Analyze serves a request synchronously, unless the limiter wait queue is
// longer than queue_when_waiting_above and the request allows queueing, in
// which case it is admitted to the job queue instead.
func (o *Orchestrator) Analyze(ctx context.Context, req *model.AnalysisRequest, user model.User) (*AnalysisOutcome, error) {
	if req != nil && req.AllowQueue && o.queue != nil && o.cfg.QueueWhenWaitingAbove > 0 {
		if waiting := o.limiter.Waiting(); waiting > o.cfg.QueueWhenWaitingAbove {
			job, err := o.SubmitAsync(ctx, req, user)
			if err != nil {
				return nil, err
			}
			o.logger.Orchestration("request diverted to queue",
				"project_id", req.ProjectID,
				"job_id", job.JobID,
				"limiter_waiting", waiting)
			return &AnalysisOutcome{Job: job}, nil
		}
	}

	result, err := o.Orchestrate(ctx, req, user)
	if err != nil {
		return nil, err
	}
	return &AnalysisOutcome{Result: result}, nil
}

// Orchestrate runs one analysis request end to end. Backend failures are
// reported in the result; an error is returned only for invalid input, a
// configuration fault, or a required backend failure under the "all"
// policy or fail-fast. Identical concurrent requests share one execution.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *model.AnalysisRequest, user model.User) (*model.OrchestrationResult, error) {
	return o.orchestrate(ctx, req, user, o.cfg.RequestTimeout)
}

// orchestrate runs the shared execution detached from ctx, bounded by budget.
func (o *Orchestrator) orchestrate(ctx context.Context, req *model.AnalysisRequest, user model.User, budget time.Duration) (*model.OrchestrationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	r := *req
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}
	if r.RequestID == "" {
		r.RequestID = pkglog.GetRequestID(ctx)
		if r.RequestID == "unknown" {
			r.RequestID = pkglog.GenerateRequestID()
		}
	}
	if user.Tier == "" {
		user.Tier = model.TierFree
	}

	key := o.resultKey(&r, user.Tier)
	if !r.ForceRefresh {
		var cached model.OrchestrationResult
		if o.cache != nil && o.cache.GetJSON(ctx, key, &cached) {
			cached.Cached = true
			cached.CorrelationID = r.CorrelationID
			o.logger.Orchestration("analysis served from cache",
				"project_id", r.ProjectID,
				"analysis_type", r.AnalysisType,
				"correlation_id", r.CorrelationID)
			return &cached, nil
		}
	}

	ch := o.inflight.DoChan(key, func() (interface{}, error) {
		runCtx := context.WithoutCancel(ctx)
		if budget > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, budget)
			defer cancel()
		}
		return o.execute(runCtx, &r, user, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			o.logger.Orchestration("request coalesced with in-flight execution",
				"project_id", r.ProjectID,
				"correlation_id", r.CorrelationID)
		}
		// 合并的请求共享同一次执行，返回副本并带上各自的 correlation id
		out := *res.Val.(*model.OrchestrationResult)
		out.CorrelationID = r.CorrelationID
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, req *model.AnalysisRequest, user model.User, key string) (*model.OrchestrationResult, error) {
	start := time.Now()

	plan, err := o.planner.Plan(req, &user)
	if err != nil {
		return nil, err
	}

	results, err := o.executor.Execute(ctx, plan, CallMeta{
		CorrelationID: req.CorrelationID,
		RequestID:     req.RequestID,
	})
	if err != nil {
		o.logger.Errorw("msg", "orchestration failed",
			"project_id", req.ProjectID,
			"analysis_type", req.AnalysisType,
			"correlation_id", req.CorrelationID,
			"error", err)
		return nil, err
	}

	elapsed := time.Since(start)
	result := o.aggregator.Aggregate(req, results, elapsed)
	o.metrics.Orchestration(req.AnalysisType, result.SuccessRate, elapsed)

	// A result with no usable data is never cached.
	if o.cache != nil && result.SuccessRate > 0 {
		tags := []string{ProjectTag(req.ProjectID)}
		for _, b := range plan.Backends() {
			tags = append(tags, BackendTag(b))
		}
		o.cache.Set(ctx, key, defaultCategory, result, CacheSetOptions{
			Confidence: result.Confidence,
			Tags:       tags,
		})
	}

	o.logger.Orchestration("analysis completed",
		"project_id", req.ProjectID,
		"analysis_type", req.AnalysisType,
		"tier", user.Tier,
		"success_rate", result.SuccessRate,
		"duration_ms", elapsed.Milliseconds(),
		"correlation_id", req.CorrelationID)
	return result, nil
}

// resultKey keys aggregated results by project, analysis type, tier and parameters.
func (o *Orchestrator) resultKey(req *model.AnalysisRequest, tier model.Tier) string {
	if o.cache == nil {
		return strings.Join([]string{req.ProjectID, string(req.AnalysisType), string(tier), HashParams(req.Parameters)}, ":")
	}
	params := make(map[string]interface{}, len(req.Parameters)+2)
	for k, v := range req.Parameters {
		params[k] = v
	}
	params["analysisType"] = string(req.AnalysisType)
	params["tier"] = string(tier)
	return o.cache.GenerateCacheKey(req.ProjectID, defaultCategory, params)
}

func validateRequest(req *model.AnalysisRequest) error {
	if req == nil {
		return pkgerrors.Validation("analysis request is required")
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return pkgerrors.Validation("projectId is required")
	}
	if !KnownAnalysisType(req.AnalysisType) {
		return pkgerrors.Validation("unknown analysis type %q", req.AnalysisType)
	}
	return nil
}

// SubmitAsync admits a request to the job queue.
func (o *Orchestrator) SubmitAsync(ctx context.Context, req *model.AnalysisRequest, user model.User) (*model.QueueJob, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if user.Tier == "" {
		user.Tier = model.TierFree
	}
	r := *req
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}
	return o.queue.Submit(ctx, model.JobTypeAnalysis, &r, user, SubmitOptions{CorrelationID: r.CorrelationID})
}

// GetJob returns a queued job with its state and, once finished, its result.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.QueueJob, error) {
	return o.queue.GetJob(ctx, jobID)
}

// ProcessJob is the queue processor for "analysis" jobs. Errors propagate to
// the queue so its retry and dead-letter handling can act on them.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *model.QueueJob) (*model.OrchestrationResult, error) {
	if job.Request == nil {
		return nil, pkgerrors.Validation("job %s has no request", job.JobID)
	}
	req := *job.Request
	req.CorrelationID = job.CorrelationID

	// 作业超时 (job_timeout) 比 request_timeout 短时，以作业剩余时间为准
	budget := o.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		if budget <= 0 || remaining < budget {
			budget = remaining
		}
	}

	result, err := o.orchestrate(ctx, &req, job.Submitter, budget)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Results == nil {
		return nil, pkgerrors.InvalidOrchestrationResult("orchestration returned no result map for job " + job.JobID)
	}
	return result, nil
}

// warmLoader refreshes one identifier as a free-tier request.
func (o *Orchestrator) warmLoader(ctx context.Context, identifier string, analysisType model.AnalysisType) error {
	_, err := o.Orchestrate(ctx, &model.AnalysisRequest{
		ProjectID:    identifier,
		AnalysisType: analysisType,
		ForceRefresh: true,
	}, model.User{ID: warmUserID, Tier: model.TierFree})
	return err
}

// WarmCache starts a background warming cycle. It returns false when one is already running.
func (o *Orchestrator) WarmCache(ctx context.Context) bool {
	if o.cache == nil {
		return false
	}
	return o.cache.Warm(ctx, o.warmLoader)
}

// WarmCacheNow runs one warming cycle and waits for it.
func (o *Orchestrator) WarmCacheNow(ctx context.Context) *model.WarmReport {
	if o.cache == nil {
		return &model.WarmReport{StartedAt: time.Now()}
	}
	return o.cache.WarmNow(ctx, o.warmLoader)
}

// BackendHealth probes every configured backend in parallel.
func (o *Orchestrator) BackendHealth(ctx context.Context) []model.BackendHealth {
	names := make([]string, 0, len(o.backends))
	for name := range o.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	timeout := o.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	out := make([]model.BackendHealth, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			out[i] = o.invoker.CheckHealth(ctx, name, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
