package biz

import (
	"context"
	"time"

	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// CallMeta carries the request identifiers forwarded to every backend.
type CallMeta struct {
	CorrelationID string
	RequestID     string
}

// ServiceInvoker executes one plan entry through its circuit breaker and
// classifies the outcome. It never returns an error: failures are data.
type ServiceInvoker struct {
	client   BackendClient
	registry *CircuitBreakerRegistry
	cache    *AdaptiveCache
	metrics  MetricsSink
	logger   *pkglog.LogHelper
}

// NewServiceInvoker creates a ServiceInvoker. cache may be nil.
func NewServiceInvoker(client BackendClient, registry *CircuitBreakerRegistry, cache *AdaptiveCache, metrics MetricsSink, logger log.Logger) *ServiceInvoker {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &ServiceInvoker{
		client:   client,
		registry: registry,
		cache:    cache,
		metrics:  metrics,
		logger:   pkglog.NewLogHelper(logger),
	}
}

// Invoke calls entry's backend with payload, which is the entry payload
// enriched with dependency results.
func (s *ServiceInvoker) Invoke(ctx context.Context, entry *PlanEntry, payload map[string]interface{}, meta CallMeta) *model.ServiceResponse {
	call := &model.BackendCall{
		Backend:       entry.Backend,
		Endpoint:      entry.Endpoint,
		Payload:       payload,
		CorrelationID: meta.CorrelationID,
		RequestID:     meta.RequestID,
	}
	op := func(ctx context.Context) (map[string]interface{}, error) {
		return s.client.Analyze(ctx, call)
	}

	start := time.Now()
	res, err := s.registry.Execute(ctx, entry.Backend, op, ExecuteOptions{
		Timeout:    entry.Timeout,
		MaxRetries: entry.Retries,
		Fallbacks:  entry.Fallbacks,
		ProjectID:  entry.ProjectID,
		Params:     entry.Params,
	})
	latency := time.Since(start)

	resp := &model.ServiceResponse{
		Backend:       entry.Backend,
		LatencyMs:     latency.Milliseconds(),
		RetryAttempts: res.Attempts,
	}

	switch {
	case err == nil && res.FallbackUsed:
		resp.Status = model.StatusFallback
		resp.Data = res.Data
		resp.FallbackUsed = true
		resp.FallbackName = res.FallbackName
		if res.Cause != nil {
			resp.Error = res.Cause.Error()
		}
	case err == nil:
		resp.Status = model.StatusSuccess
		resp.Data = res.Data
		if s.cache != nil {
			s.cache.SetBackendResponse(ctx, entry.Backend, entry.ProjectID, entry.Params, res.Data)
		}
	case pkgerrors.IsCircuitOpen(err):
		resp.Status = model.StatusCircuitOpen
		resp.Error = err.Error()
	case pkgerrors.IsTimeout(err):
		resp.Status = model.StatusTimeout
		resp.Error = err.Error()
	default:
		resp.Status = model.StatusError
		resp.Error = err.Error()
	}

	s.metrics.BackendCall(entry.Backend, resp.Status, latency)
	s.logger.Backend("backend call settled",
		"backend", entry.Backend,
		"status", string(resp.Status),
		"latency_ms", resp.LatencyMs,
		"attempts", resp.RetryAttempts,
		"correlation_id", meta.CorrelationID)
	return resp
}

// CheckHealth probes a backend's health path within timeout.
func (s *ServiceInvoker) CheckHealth(ctx context.Context, backend string, timeout time.Duration) model.BackendHealth {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.client.Health(ctx, backend)
	h := model.BackendHealth{
		Backend:      backend,
		Healthy:      err == nil,
		LatencyMs:    time.Since(start).Milliseconds(),
		BreakerState: s.registry.State(backend),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
