package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const requestContextKey contextKey = "chainscope_request_context"

// RequestContext carries request tracing data through context.Context.
type RequestContext struct {
	RequestID     string
	CorrelationID string
	UserID        string
	Tier          string
	StartTime     time.Time
}

var (
	randSource  = rand.NewSource(time.Now().UnixNano())
	randMutex   sync.Mutex
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID returns a 10 character base36 id, e.g. mgrn0zfqda
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext stores a RequestContext in ctx
func WithRequestContext(ctx context.Context, requestID, correlationID, userID, tier string) context.Context {
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID:     requestID,
		CorrelationID: correlationID,
		UserID:        userID,
		Tier:          tier,
		StartTime:     time.Now(),
	})
}

// GetRequestContext returns the RequestContext in ctx, or an "unknown" placeholder
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx != nil {
		if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID returns the request id stored in ctx
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetCorrelationID returns the correlation id stored in ctx
func GetCorrelationID(ctx context.Context) string {
	return GetRequestContext(ctx).CorrelationID
}

// GetElapsedTime returns the milliseconds since the request started
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
