// Package biz contains the orchestration engine: concurrency limiting,
// circuit breaking, planning, invocation, aggregation, caching and queueing.
package biz

import (
	"ChainScope/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewConcurrencyLimiter,
	NewCircuitBreakerRegistry,
	NewAdaptiveCache,
	NewServiceInvoker,
	NewExecutionPlanner,
	NewPlanExecutor,
	NewResultAggregator,
	NewPriorityQueueManager,
	NewOrchestrator,
	NewOpsUsecase,
	// Import data layer providers
	data.NewCacheStore,
	data.NewQueueRepo,
	data.NewCircuitBreakerRepo,
	data.NewBackendClient,
	data.NewAuditLogger,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(CacheStore), new(*data.CacheStore)),
	wire.Bind(new(QueueRepo), new(*data.QueueRepo)),
	wire.Bind(new(CircuitBreakerRepo), new(*data.CircuitBreakerRepo)),
	wire.Bind(new(BackendClient), new(*data.BackendClient)),
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
)
