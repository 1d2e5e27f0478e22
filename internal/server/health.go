package server

import (
	"context"
	"sync"
	"time"

	"ChainScope/internal/biz"
	"ChainScope/internal/data"
	"ChainScope/internal/model"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names. The empty name is the overall gateway status.
const (
	HealthServiceGateway = ""
	HealthServiceStore   = "chainscope.store"
	HealthServiceQueue   = "chainscope.queue"
	HealthServiceCache   = "chainscope.cache"
)

// StorePinger checks the shared Redis connection.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// HealthSource supplies the queue and cache health checks.
type HealthSource interface {
	QueueHealth(ctx context.Context) *model.QueueHealth
	CacheHealth(ctx context.Context) model.CacheHealth
}

// HealthReport is the outcome of one Check.
type HealthReport struct {
	Status     model.HealthStatus `json:"status"`
	StoreError string             `json:"storeError,omitempty"`
	Queue      *model.QueueHealth `json:"queue"`
	Cache      model.CacheHealth  `json:"cache"`
	CheckedAt  time.Time          `json:"checkedAt"`
}

// HealthReporter publishes periodic health checks on the gRPC health service.
type HealthReporter struct {
	server *health.Server
	store  StorePinger
	source HealthSource
	logger *pkglog.LogHelper

	mu   sync.Mutex
	last *HealthReport
}

// NewHealthReporter creates a reporter backed by the Redis connection and the ops surface.
func NewHealthReporter(d *data.Data, ops *biz.OpsUsecase, logger log.Logger) *HealthReporter {
	return newHealthReporter(d, ops, logger)
}

func newHealthReporter(store StorePinger, source HealthSource, logger log.Logger) *HealthReporter {
	srv := health.NewServer()
	// Serving until the first check says otherwise.
	for _, name := range []string{HealthServiceGateway, HealthServiceStore, HealthServiceQueue, HealthServiceCache} {
		srv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return &HealthReporter{
		server: srv,
		store:  store,
		source: source,
		logger: pkglog.NewLogHelper(logger),
	}
}

// Check runs every health probe and updates the served statuses.
//
// A Redis outage marks the store NOT_SERVING but the gateway keeps serving
// synchronous traffic from the backends. Only an unhealthy queue takes the
// overall status down.
func (h *HealthReporter) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    model.HealthHealthy,
		CheckedAt: time.Now(),
	}

	if err := h.store.Ping(ctx); err != nil {
		report.StoreError = err.Error()
		report.Status = model.HealthDegraded
		h.set(HealthServiceStore, false)
	} else {
		h.set(HealthServiceStore, true)
	}

	report.Queue = h.source.QueueHealth(ctx)
	h.set(HealthServiceQueue, report.Queue.Status != model.HealthUnhealthy)
	switch report.Queue.Status {
	case model.HealthUnhealthy:
		report.Status = model.HealthUnhealthy
	case model.HealthDegraded:
		if report.Status == model.HealthHealthy {
			report.Status = model.HealthDegraded
		}
	}

	report.Cache = h.source.CacheHealth(ctx)
	h.set(HealthServiceCache, report.Cache.Status != model.HealthUnhealthy)
	if report.Cache.Status != model.HealthHealthy && report.Status == model.HealthHealthy {
		report.Status = model.HealthDegraded
	}

	h.set(HealthServiceGateway, report.Status != model.HealthUnhealthy)
	if report.Status != model.HealthHealthy {
		h.logger.Health("gateway health degraded",
			"status", string(report.Status),
			"store_error", report.StoreError,
			"queue_status", string(report.Queue.Status),
			"cache_status", string(report.Cache.Status),
		)
	}

	h.mu.Lock()
	h.last = report
	h.mu.Unlock()
	return report
}

// Last returns the most recent report, or nil before the first Check.
func (h *HealthReporter) Last() *HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Shutdown marks every service NOT_SERVING ahead of a graceful stop.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

func (h *HealthReporter) set(name string, serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(name, status)
}
