package biz

import (
	"time"

	"ChainScope/internal/model"
)

// MetricsSink receives the operational events of the orchestration engine.
// Implementations must be safe for concurrent use and must never block.
type MetricsSink interface {
	BreakerEvent(backend string, event model.BreakerEvent)
	BreakerState(backend string, state model.BreakerState)
	BackendCall(backend string, status model.ServiceStatus, latency time.Duration)
	CacheAccess(category string, hit bool, latency time.Duration)
	LimiterUsage(active, waiting int)
	Orchestration(analysisType model.AnalysisType, successRate float64, duration time.Duration)
	QueueCounts(queue string, counts model.QueueCounts)
	JobFinished(jobType string, state model.JobState, duration time.Duration)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) BreakerEvent(string, model.BreakerEvent)                  {}
func (NoopMetrics) BreakerState(string, model.BreakerState)                  {}
func (NoopMetrics) BackendCall(string, model.ServiceStatus, time.Duration)   {}
func (NoopMetrics) CacheAccess(string, bool, time.Duration)                  {}
func (NoopMetrics) LimiterUsage(int, int)                                    {}
func (NoopMetrics) Orchestration(model.AnalysisType, float64, time.Duration) {}
func (NoopMetrics) QueueCounts(string, model.QueueCounts)                    {}
func (NoopMetrics) JobFinished(string, model.JobState, time.Duration)        {}
