package model

import "time"

// BreakerState is the state of one circuit breaker.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ParseBreakerState returns the state named by s and whether it is known.
func ParseBreakerState(s string) (BreakerState, bool) {
	switch BreakerState(s) {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return BreakerState(s), true
	}
	return "", false
}

// BreakerEvent is the metrics event emitted per breaker outcome.
type BreakerEvent string

// Breaker events.
const (
	EventSuccess         BreakerEvent = "SUCCESS"
	EventFailure         BreakerEvent = "FAILURE"
	EventRejected        BreakerEvent = "REJECTED"
	EventFallbackSuccess BreakerEvent = "FALLBACK_SUCCESS"
	EventFallbackFailure BreakerEvent = "FALLBACK_FAILURE"
)

// CallRecord is one entry of a breaker's call-history window.
type CallRecord struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
}

// BreakerSnapshot is the published view of a breaker.
// NextAttemptAt is only meaningful while State is OPEN.
type BreakerSnapshot struct {
	Backend             string       `json:"backend"`
	State               BreakerState `json:"state"`
	FailureCount        int          `json:"failureCount"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	SuccessCount        int          `json:"successCount"`
	TotalCalls          int64        `json:"totalCalls"`
	TotalFailures       int64        `json:"totalFailures"`
	LastFailureAt       time.Time    `json:"lastFailureAt"`
	NextAttemptAt       time.Time    `json:"nextAttemptAt"`
	LastStateChange     time.Time    `json:"lastStateChange"`
}

// BreakerStats extends a snapshot with window-derived figures.
type BreakerStats struct {
	BreakerSnapshot
	FailureRate      float64 `json:"failureRate"`
	RecentCalls      int     `json:"recentCalls"`
	AverageLatencyMs float64 `json:"averageLatencyMs"`
	TimeInStateMs    int64   `json:"timeInStateMs"`
}
