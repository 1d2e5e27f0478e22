package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the kratos log.Helper with typed helpers. Each helper adds
// a "type" field, which the EmojiConsoleEncoder turns into a message prefix.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates a LogHelper
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func withType(msg, logType string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", logType)
}

// Startup logs service startup events
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "startup", kvs)...)
}

// Breaker logs circuit breaker transitions
func (h *LogHelper) Breaker(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "breaker", kvs)...)
}

// Backend logs backend call outcomes
func (h *LogHelper) Backend(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "backend", kvs)...)
}

// Orchestration logs request fan-out milestones
func (h *LogHelper) Orchestration(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "orchestration", kvs)...)
}

// Concurrency logs limiter slot activity
func (h *LogHelper) Concurrency(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "concurrency", kvs)...)
}

// Cache logs adaptive cache activity
func (h *LogHelper) Cache(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "cache", kvs)...)
}

// Queue logs job lifecycle events
func (h *LogHelper) Queue(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "queue", kvs)...)
}

// DeadLetter logs jobs that exhausted their retries
func (h *LogHelper) DeadLetter(msg string, kvs ...interface{}) {
	h.Errorw(withType(msg, "dead_letter", kvs)...)
}

// Health logs health check results
func (h *LogHelper) Health(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "health", kvs)...)
}

// Audit logs operator actions
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "audit", kvs)...)
}

// Success logs a completed operation
func (h *LogHelper) Success(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "success", kvs)...)
}

// SlowRequest logs a request that exceeded threshold milliseconds
func (h *LogHelper) SlowRequest(ctx context.Context, method, url string, duration, threshold int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("[%s] Slow request detected | %s %s | %dms (threshold: %dms)",
		reqCtx.RequestID, method, url, duration, threshold)

	kvs = append(kvs,
		"request_id", reqCtx.RequestID,
		"correlation_id", reqCtx.CorrelationID,
		"method", method,
		"url", url,
		"duration_ms", duration,
		"threshold_ms", threshold,
	)
	h.Warnw(withType(msg, "slow_request", kvs)...)
}

// RequestWithContext logs a finished HTTP request and flags slow ones
func (h *LogHelper) RequestWithContext(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("%s %s - %d (%dms) | RequestID: %s", method, url, status, durationMs, reqCtx.RequestID)

	kvs = append(kvs,
		"request_id", reqCtx.RequestID,
		"correlation_id", reqCtx.CorrelationID,
		"user_id", reqCtx.UserID,
		"tier", reqCtx.Tier,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(withType(msg, "request", kvs)...)

	if durationMs > 5000 {
		h.SlowRequest(ctx, method, url, durationMs, 5000)
	}
}
