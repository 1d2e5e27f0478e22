package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// Operation is one attempt at a backend call. It must honour ctx cancellation.
type Operation func(ctx context.Context) (map[string]interface{}, error)

// ExecuteOptions tune a single Execute call.
type ExecuteOptions struct {
	// Timeout bounds each attempt. Zero disables the race.
	Timeout time.Duration
	// MaxRetries is the total attempt budget. Zero uses gateway.breaker.max_retries.
	MaxRetries int
	// Fallbacks overrides the registered chain when non-nil.
	Fallbacks []FallbackStrategy
	// ProjectID and Params are handed to fallback strategies.
	ProjectID string
	Params    map[string]interface{}
}

// ExecuteResult describes how a call was served. Execute always returns one,
// so callers can read Attempts and Latency even on error.
type ExecuteResult struct {
	Data         map[string]interface{}
	Attempts     int
	Latency      time.Duration
	FallbackUsed bool
	FallbackName string
	// Cause is the primary failure a fallback stood in for.
	Cause error
}

type breakerTransition struct {
	from, to model.BreakerState
}

// circuitBreaker is the state machine of one backend. All fields are guarded by mu.
type circuitBreaker struct {
	mu  sync.Mutex
	cfg *conf.Breaker

	name                string
	state               model.BreakerState
	failureCount        int
	consecutiveFailures int
	successCount        int
	totalCalls          int64
	totalFailures       int64
	lastFailure         time.Time
	nextAttempt         time.Time
	lastStateChange     time.Time
	history             []model.CallRecord
}

func newCircuitBreaker(name string, cfg *conf.Breaker, now time.Time) *circuitBreaker {
	return &circuitBreaker{
		cfg:             cfg,
		name:            name,
		state:           model.BreakerClosed,
		lastStateChange: now,
	}
}

// allow reports whether a call may proceed, moving OPEN to HALF_OPEN once the
// reset timeout has elapsed.
func (b *circuitBreaker) allow(now time.Time) (bool, *breakerTransition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != model.BreakerOpen {
		return true, nil
	}
	if now.Before(b.nextAttempt) {
		return false, nil
	}
	return true, b.setState(model.BreakerHalfOpen, now)
}

// rejecting reports whether the breaker is OPEN and still inside its reset timeout.
func (b *circuitBreaker) rejecting(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == model.BreakerOpen && now.Before(b.nextAttempt)
}

func (b *circuitBreaker) onSuccess(now time.Time, latency time.Duration) *breakerTransition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.consecutiveFailures = 0
	b.record(now, true, latency)

	if b.state == model.BreakerHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.MinimumNumberOfCalls {
			t := b.setState(model.BreakerClosed, now)
			b.resetCounters()
			return t
		}
	}
	return nil
}

func (b *circuitBreaker) onFailure(now time.Time, latency time.Duration) *breakerTransition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.totalFailures++
	b.failureCount++
	b.consecutiveFailures++
	b.lastFailure = now
	b.record(now, false, latency)

	switch b.state {
	case model.BreakerHalfOpen:
		return b.open(now)
	case model.BreakerClosed:
		total, failures := b.window(now)
		if total >= b.cfg.MinimumNumberOfCalls &&
			float64(failures)/float64(total)*100 >= b.cfg.ErrorThresholdPercentage {
			return b.open(now)
		}
	}
	return nil
}

func (b *circuitBreaker) open(now time.Time) *breakerTransition {
	t := b.setState(model.BreakerOpen, now)
	b.nextAttempt = now.Add(b.cfg.ResetTimeout)
	return t
}

// setState must be called with mu held.
func (b *circuitBreaker) setState(to model.BreakerState, now time.Time) *breakerTransition {
	from := b.state
	b.state = to
	b.lastStateChange = now
	if to != model.BreakerOpen {
		b.nextAttempt = time.Time{}
	}
	if to == model.BreakerHalfOpen {
		b.successCount = 0
	}
	if from == to {
		return nil
	}
	return &breakerTransition{from: from, to: to}
}

func (b *circuitBreaker) resetCounters() {
	b.failureCount = 0
	b.consecutiveFailures = 0
	b.successCount = 0
	b.history = nil
}

func (b *circuitBreaker) record(now time.Time, success bool, latency time.Duration) {
	b.history = append(b.history, model.CallRecord{Timestamp: now, Success: success, Latency: latency})
	b.prune(now)
}

// prune drops records outside the sliding window and caps the history length.
func (b *circuitBreaker) prune(now time.Time) {
	if b.cfg.SlidingWindowSize > 0 {
		cutoff := now.Add(-b.cfg.SlidingWindowSize)
		i := 0
		for i < len(b.history) && b.history[i].Timestamp.Before(cutoff) {
			i++
		}
		b.history = b.history[i:]
	}
	if limit := b.cfg.HistoryLimit; limit > 0 && len(b.history) > limit {
		b.history = append([]model.CallRecord(nil), b.history[len(b.history)-limit:]...)
	}
}

func (b *circuitBreaker) window(now time.Time) (total, failures int) {
	b.prune(now)
	for _, rec := range b.history {
		if !rec.Success {
			failures++
		}
	}
	return len(b.history), failures
}

func (b *circuitBreaker) snapshotLocked() model.BreakerSnapshot {
	return model.BreakerSnapshot{
		Backend:             b.name,
		State:               b.state,
		FailureCount:        b.failureCount,
		ConsecutiveFailures: b.consecutiveFailures,
		SuccessCount:        b.successCount,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		LastFailureAt:       b.lastFailure,
		NextAttemptAt:       b.nextAttempt,
		LastStateChange:     b.lastStateChange,
	}
}

func (b *circuitBreaker) snapshot() model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *circuitBreaker) stats(now time.Time) model.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, failures := b.window(now)
	stats := model.BreakerStats{
		BreakerSnapshot: b.snapshotLocked(),
		RecentCalls:     total,
		TimeInStateMs:   now.Sub(b.lastStateChange).Milliseconds(),
	}
	if total > 0 {
		stats.FailureRate = float64(failures) / float64(total)
		var sum time.Duration
		for _, rec := range b.history {
			sum += rec.Latency
		}
		stats.AverageLatencyMs = float64(sum.Milliseconds()) / float64(total)
	}
	return stats
}

// CircuitBreakerRegistry owns one breaker per backend name. Breakers are
// created lazily and live for the lifetime of the process.
type CircuitBreakerRegistry struct {
	cfg     *conf.Breaker
	repo    CircuitBreakerRepo
	metrics MetricsSink
	logger  *pkglog.LogHelper

	mu        sync.RWMutex
	breakers  map[string]*circuitBreaker
	fallbacks map[string][]FallbackStrategy

	now    func() time.Time
	jitter func() float64
}

// NewCircuitBreakerRegistry creates a registry using gateway.breaker settings.
// repo may be nil, in which case snapshots are not published.
func NewCircuitBreakerRegistry(c *conf.Gateway, repo CircuitBreakerRepo, metrics MetricsSink, logger log.Logger) *CircuitBreakerRegistry {
	cfg := &conf.Breaker{
		ErrorThresholdPercentage: 50,
		MinimumNumberOfCalls:     5,
		ResetTimeout:             30 * time.Second,
		SlidingWindowSize:        time.Minute,
		HistoryLimit:             100,
		MaxRetries:               3,
		RetryDelay:               time.Second,
		RetryMultiplier:          2,
		MaxRetryDelay:            10 * time.Second,
	}
	if c != nil && c.Breaker != nil {
		cfg = c.Breaker
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &CircuitBreakerRegistry{
		cfg:       cfg,
		repo:      repo,
		metrics:   metrics,
		logger:    pkglog.NewLogHelper(logger),
		breakers:  make(map[string]*circuitBreaker),
		fallbacks: make(map[string][]FallbackStrategy),
		now:       time.Now,
		jitter:    rand.Float64,
	}
}

func (r *CircuitBreakerRegistry) breaker(name string) *circuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = newCircuitBreaker(name, r.cfg, r.now())
	r.breakers[name] = b
	return b
}

// Ensure creates breakers for names that have not been called yet.
func (r *CircuitBreakerRegistry) Ensure(names ...string) {
	for _, name := range names {
		r.breaker(name)
	}
}

// RegisterFallback adds a strategy to a backend's chain, keeping the chain
// sorted by descending priority.
func (r *CircuitBreakerRegistry) RegisterFallback(backend string, strategy FallbackStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := append(r.fallbacks[backend], strategy)
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Priority() > chain[j].Priority()
	})
	r.fallbacks[backend] = chain
}

// Fallbacks returns a copy of a backend's registered chain.
func (r *CircuitBreakerRegistry) Fallbacks(backend string) []FallbackStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]FallbackStrategy(nil), r.fallbacks[backend]...)
}

// Execute runs op through the backend's breaker with a per-attempt timeout
// race and exponential-backoff retries. When the breaker rejects the call or
// every attempt fails, the fallback chain is tried in order; the first
// strategy that can execute and succeeds wins. Otherwise the original error
// is returned.
func (r *CircuitBreakerRegistry) Execute(ctx context.Context, backend string, op Operation, opts ExecuteOptions) (*ExecuteResult, error) {
	b := r.breaker(backend)
	fallbacks := opts.Fallbacks
	if fallbacks == nil {
		fallbacks = r.Fallbacks(backend)
	}
	call := &FallbackCall{Backend: backend, ProjectID: opts.ProjectID, Params: opts.Params}
	res := &ExecuteResult{}

	// OPEN 状态直接拒绝，不发起网络请求，转入降级链
	allowed, t := b.allow(r.now())
	r.onTransition(b, t)
	if !allowed {
		r.metrics.BreakerEvent(backend, model.EventRejected)
		call.Cause = pkgerrors.CircuitOpen(backend)
		return r.runFallbacks(ctx, call, fallbacks, res)
	}

	attempts := opts.MaxRetries
	if attempts <= 0 {
		attempts = r.cfg.MaxRetries
	}
	if attempts <= 0 {
		attempts = 1
	}

	start := r.now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt

		data, err := r.attempt(ctx, backend, op, opts.Timeout)
		if err == nil {
			res.Data = data
			res.Latency = r.now().Sub(start)
			r.onTransition(b, b.onSuccess(r.now(), res.Latency))
			r.metrics.BreakerEvent(backend, model.EventSuccess)
			return res, nil
		}

		// 校验类 / 熔断类错误不重试；调用方已取消也不再重试
		lastErr = pkgerrors.ClassifyTransportError(backend, err)
		if attempt == attempts || !pkgerrors.IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}
		if b.rejecting(r.now()) {
			break // 重试期间熔断器已打开
		}

		delay := r.backoff(attempt)
		r.logger.Backend("retrying backend call",
			"backend", backend,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", lastErr)
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
	}
	res.Latency = r.now().Sub(start)

	// A caller that went away says nothing about the backend's health.
	if !errors.Is(lastErr, context.Canceled) {
		r.onTransition(b, b.onFailure(r.now(), res.Latency))
		r.metrics.BreakerEvent(backend, model.EventFailure)
	}

	call.Cause = lastErr
	return r.runFallbacks(ctx, call, fallbacks, res)
}

func (r *CircuitBreakerRegistry) runFallbacks(ctx context.Context, call *FallbackCall, chain []FallbackStrategy, res *ExecuteResult) (*ExecuteResult, error) {
	for _, f := range chain {
		if !f.CanExecute(ctx, call) {
			continue
		}
		data, err := f.Execute(ctx, call)
		if err != nil {
			r.metrics.BreakerEvent(call.Backend, model.EventFallbackFailure)
			r.logger.Backend("fallback failed", "backend", call.Backend, "fallback", f.Name(), "error", err)
			continue
		}

		r.metrics.BreakerEvent(call.Backend, model.EventFallbackSuccess)
		r.logger.Backend("served by fallback", "backend", call.Backend, "fallback", f.Name(), "cause", call.Cause)
		res.Data = data
		res.FallbackUsed = true
		res.FallbackName = f.Name()
		res.Cause = call.Cause
		return res, nil
	}
	return res, call.Cause
}

// attempt races op against timeout. On timeout the operation is abandoned;
// its context is cancelled so the transport can drop the request.
func (r *CircuitBreakerRegistry) attempt(ctx context.Context, backend string, op Operation, timeout time.Duration) (map[string]interface{}, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data map[string]interface{}
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("backend %s call panicked: %v", backend, p)}
			}
		}()
		data, err := op(attemptCtx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		return o.data, o.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, pkgerrors.ServiceTimeout(backend, attemptCtx.Err())
	}
}

// backoff returns base * multiplier^(attempt-1) plus up to 10% jitter, capped
// at gateway.breaker.max_retry_delay.
func (r *CircuitBreakerRegistry) backoff(attempt int) time.Duration {
	mult := r.cfg.RetryMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(r.cfg.RetryDelay) * math.Pow(mult, float64(attempt-1))
	d += d * 0.1 * r.jitter()
	if ceiling := float64(r.cfg.MaxRetryDelay); ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns a backend's current state. Unknown backends are CLOSED.
func (r *CircuitBreakerRegistry) State(backend string) model.BreakerState {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if !ok {
		return model.BreakerClosed
	}
	return b.snapshot().State
}

// ForceState pins a breaker into state. Forcing OPEN starts a fresh reset
// timeout; forcing CLOSED clears counters and history.
func (r *CircuitBreakerRegistry) ForceState(ctx context.Context, backend string, state model.BreakerState) (model.BreakerSnapshot, error) {
	if _, ok := model.ParseBreakerState(string(state)); !ok {
		return model.BreakerSnapshot{}, pkgerrors.Validation("unknown breaker state %q", state)
	}

	b := r.breaker(backend)
	now := r.now()

	b.mu.Lock()
	from := b.state
	b.setState(state, now)
	switch state {
	case model.BreakerOpen:
		b.nextAttempt = now.Add(r.cfg.ResetTimeout)
	case model.BreakerClosed:
		b.resetCounters()
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	r.logger.Breaker("circuit breaker state forced", "backend", backend, "from", from, "to", state)
	r.metrics.BreakerState(backend, state)
	r.publish(ctx, &snap)
	return snap, nil
}

// Reset returns a breaker to CLOSED and clears its counters and call history.
func (r *CircuitBreakerRegistry) Reset(ctx context.Context, backend string) model.BreakerSnapshot {
	b := r.breaker(backend)
	now := r.now()

	b.mu.Lock()
	b.setState(model.BreakerClosed, now)
	b.resetCounters()
	b.totalCalls = 0
	b.totalFailures = 0
	b.lastFailure = time.Time{}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	r.logger.Breaker("circuit breaker reset", "backend", backend)
	r.metrics.BreakerState(backend, model.BreakerClosed)
	r.publish(ctx, &snap)
	return snap
}

// Stats returns a backend's stats. Unknown backends report a fresh CLOSED breaker.
func (r *CircuitBreakerRegistry) Stats(backend string) model.BreakerStats {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if !ok {
		return model.BreakerStats{BreakerSnapshot: model.BreakerSnapshot{Backend: backend, State: model.BreakerClosed}}
	}
	return b.stats(r.now())
}

// AllStats returns every known breaker's stats sorted by backend name.
func (r *CircuitBreakerRegistry) AllStats() []model.BreakerStats {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]model.BreakerStats, 0, len(names))
	for _, name := range names {
		out = append(out, r.Stats(name))
	}
	return out
}

func (r *CircuitBreakerRegistry) onTransition(b *circuitBreaker, t *breakerTransition) {
	if t == nil {
		return
	}
	snap := b.snapshot()
	r.logger.Breaker("circuit breaker state changed",
		"backend", b.name,
		"from", t.from,
		"to", t.to,
		"failure_count", snap.FailureCount,
		"next_attempt", snap.NextAttemptAt)
	r.metrics.BreakerState(b.name, t.to)
	r.publish(context.Background(), &snap)
}

// publish stores the snapshot best-effort. Store failures never affect calls.
func (r *CircuitBreakerRegistry) publish(ctx context.Context, snap *model.BreakerSnapshot) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
	defer cancel()
	if err := r.repo.SaveSnapshot(ctx, snap); err != nil {
		r.logger.Warnw("msg", "failed to publish breaker snapshot (degraded mode)",
			"backend", snap.Backend,
			"error", err)
	}
}
