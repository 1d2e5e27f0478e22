// Package metrics exports the engine's operational events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"ChainScope/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainscope"

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// breakerStateValue maps breaker states onto the gauge value.
var breakerStateValue = map[model.BreakerState]float64{
	model.BreakerClosed:   0,
	model.BreakerHalfOpen: 1,
	model.BreakerOpen:     2,
}

// Collector records engine events on its own registry.
type Collector struct {
	registry *prometheus.Registry

	breakerEvents   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	backendCalls    *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	cacheAccess     *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	limiterActive   prometheus.Gauge
	limiterWaiting  prometheus.Gauge
	orchestrations  *prometheus.CounterVec
	orchestrationMs *prometheus.HistogramVec
	successRate     *prometheus.GaugeVec
	queueJobs       *prometheus.GaugeVec
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

// NewCollector creates a Collector with the Go runtime and process collectors registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		breakerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Circuit breaker outcomes by backend and event",
		}, []string{"backend", "event"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"backend"}),
		backendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Backend calls by backend and classified status",
		}, []string{"backend", "status"}),
		backendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call latency including retries and fallbacks",
			Buckets:   latencyBuckets,
		}, []string{"backend"}),
		cacheAccess: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache reads by category and result",
		}, []string{"category", "result"}),
		cacheLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_read_duration_seconds",
			Help:      "Cache read latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"category"}),
		limiterActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_active",
			Help:      "Backend calls holding a concurrency slot",
		}),
		limiterWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_waiting",
			Help:      "Backend calls waiting for a concurrency slot",
		}),
		orchestrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Completed orchestrations by analysis type",
		}, []string{"analysis_type"}),
		orchestrationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "End-to-end orchestration latency",
			Buckets:   latencyBuckets,
		}, []string{"analysis_type"}),
		successRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestration_success_rate",
			Help:      "Success rate of the last orchestration per analysis type",
		}, []string{"analysis_type"}),
		queueJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state",
		}, []string{"queue", "state"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_finished_total",
			Help:      "Processed jobs by type and resulting state",
		}, []string{"type", "state"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Job processing time",
			Buckets:   latencyBuckets,
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) BreakerEvent(backend string, event model.BreakerEvent) {
	c.breakerEvents.WithLabelValues(backend, string(event)).Inc()
}

func (c *Collector) BreakerState(backend string, state model.BreakerState) {
	c.breakerState.WithLabelValues(backend).Set(breakerStateValue[state])
}

func (c *Collector) BackendCall(backend string, status model.ServiceStatus, latency time.Duration) {
	c.backendCalls.WithLabelValues(backend, string(status)).Inc()
	c.backendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

func (c *Collector) CacheAccess(category string, hit bool, latency time.Duration) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheAccess.WithLabelValues(category, result).Inc()
	c.cacheLatency.WithLabelValues(category).Observe(latency.Seconds())
}

func (c *Collector) LimiterUsage(active, waiting int) {
	c.limiterActive.Set(float64(active))
	c.limiterWaiting.Set(float64(waiting))
}

func (c *Collector) Orchestration(analysisType model.AnalysisType, successRate float64, duration time.Duration) {
	t := string(analysisType)
	c.orchestrations.WithLabelValues(t).Inc()
	c.orchestrationMs.WithLabelValues(t).Observe(duration.Seconds())
	c.successRate.WithLabelValues(t).Set(successRate)
}

func (c *Collector) QueueCounts(queue string, counts model.QueueCounts) {
	c.queueJobs.WithLabelValues(queue, "waiting").Set(float64(counts.Waiting))
	c.queueJobs.WithLabelValues(queue, "active").Set(float64(counts.Active))
	c.queueJobs.WithLabelValues(queue, "completed").Set(float64(counts.Completed))
	c.queueJobs.WithLabelValues(queue, "failed").Set(float64(counts.Failed))
	c.queueJobs.WithLabelValues(queue, "delayed").Set(float64(counts.Delayed))
	c.queueJobs.WithLabelValues(queue, "dead_letter").Set(float64(counts.DeadLetters))
}

func (c *Collector) JobFinished(jobType string, state model.JobState, duration time.Duration) {
	c.jobsFinished.WithLabelValues(jobType, string(state)).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}
