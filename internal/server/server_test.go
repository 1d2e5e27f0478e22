package server

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainScope/internal/conf"
	"ChainScope/internal/metrics"
	"ChainScope/internal/model"
	"ChainScope/internal/server/middleware"
	"ChainScope/internal/service"
	pkgerrors "ChainScope/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubSource struct {
	queue model.HealthStatus
	cache model.HealthStatus
}

func (s stubSource) QueueHealth(context.Context) *model.QueueHealth {
	return &model.QueueHealth{Status: s.queue, Issues: []string{}}
}

func (s stubSource) CacheHealth(context.Context) model.CacheHealth {
	return model.CacheHealth{Status: s.cache}
}

func servingStatus(t *testing.T, h *HealthReporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthReporter_Check(t *testing.T) {
	const (
		serving    = healthpb.HealthCheckResponse_SERVING
		notServing = healthpb.HealthCheckResponse_NOT_SERVING
	)

	tests := []struct {
		name        string
		pingErr     error
		queue       model.HealthStatus
		cache       model.HealthStatus
		wantStatus  model.HealthStatus
		wantGateway healthpb.HealthCheckResponse_ServingStatus
		wantStore   healthpb.HealthCheckResponse_ServingStatus
		wantQueue   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"all healthy", nil, model.HealthHealthy, model.HealthHealthy, model.HealthHealthy, serving, serving, serving},
		{"redis down keeps serving", errors.New("connection refused"), model.HealthHealthy, model.HealthHealthy, model.HealthDegraded, serving, notServing, serving},
		{"degraded cache", nil, model.HealthHealthy, model.HealthDegraded, model.HealthDegraded, serving, serving, serving},
		{"stuck queue", nil, model.HealthUnhealthy, model.HealthHealthy, model.HealthUnhealthy, notServing, serving, notServing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHealthReporter(stubPinger{err: tt.pingErr}, stubSource{queue: tt.queue, cache: tt.cache}, log.DefaultLogger)
			assert.Nil(t, h.Last())

			report := h.Check(context.Background())
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Same(t, report, h.Last())
			assert.Equal(t, tt.wantGateway, servingStatus(t, h, HealthServiceGateway))
			assert.Equal(t, tt.wantStore, servingStatus(t, h, HealthServiceStore))
			assert.Equal(t, tt.wantQueue, servingStatus(t, h, HealthServiceQueue))
			if tt.pingErr != nil {
				assert.Contains(t, report.StoreError, "connection refused")
			}
		})
	}
}

func TestHealthReporter_Shutdown(t *testing.T) {
	h := newHealthReporter(stubPinger{}, stubSource{queue: model.HealthHealthy, cache: model.HealthHealthy}, log.DefaultLogger)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, h, HealthServiceGateway))

	h.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, h, HealthServiceGateway))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, h, HealthServiceCache))
}

func TestNewHTTPServer_Routes(t *testing.T) {
	collector := metrics.NewCollector()
	collector.LimiterUsage(2, 1)
	c := &conf.Server{Http: &conf.Server_HTTP{Addr: "127.0.0.1:0"}}
	srv := NewHTTPServer(c,
		service.NewAnalysisService(nil, log.DefaultLogger),
		service.NewOpsService(nil, log.DefaultLogger),
		collector, log.DefaultLogger)

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		require.Equal(t, nethttp.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "chainscope_limiter_active 2")
	})

	t.Run("validation runs behind the middleware chain", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/analysis", strings.NewReader(`{"analysisType":"full"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderRequestID, "req-77")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), pkgerrors.ReasonValidation)
		assert.Equal(t, "req-77", rec.Header().Get(middleware.HeaderRequestID))
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/unknown", nil))
		assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	})
}

func TestNewGRPCServer_RegistersHealth(t *testing.T) {
	h := newHealthReporter(stubPinger{}, stubSource{queue: model.HealthHealthy, cache: model.HealthHealthy}, log.DefaultLogger)
	srv := NewGRPCServer(&conf.Server{Grpc: &conf.Server_GRPC{Addr: "127.0.0.1:0"}}, h, log.DefaultLogger)

	info := srv.GetServiceInfo()
	assert.Contains(t, info, healthpb.Health_ServiceDesc.ServiceName)
}
