package biz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, repo CircuitBreakerRepo) (*CircuitBreakerRegistry, *testClock, *recordingMetrics) {
	t.Helper()
	metrics := newRecordingMetrics()
	r := NewCircuitBreakerRegistry(testGateway(), repo, metrics, testLogger)
	clock := newTestClock()
	r.now = clock.Now
	r.jitter = func() float64 { return 0 }
	return r, clock, metrics
}

func failingOp(calls *atomic.Int32) Operation {
	return func(context.Context) (map[string]interface{}, error) {
		calls.Add(1)
		return nil, errBackendDown
	}
}

func okOp(calls *atomic.Int32) Operation {
	return func(context.Context) (map[string]interface{}, error) {
		calls.Add(1)
		return map[string]interface{}{"ok": true}, nil
	}
}

func TestCircuitBreaker_OpensOnceAtThreshold(t *testing.T) {
	r, _, metrics := newTestRegistry(t, nil)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, err := r.Execute(ctx, "sentiment", failingOp(&calls), ExecuteOptions{MaxRetries: 1})
		require.Error(t, err)
	}
	assert.Equal(t, model.BreakerOpen, r.State("sentiment"))

	// Further calls are rejected without reaching the backend.
	for i := 0; i < 3; i++ {
		_, err := r.Execute(ctx, "sentiment", failingOp(&calls), ExecuteOptions{MaxRetries: 1})
		assert.True(t, pkgerrors.IsCircuitOpen(err))
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []model.BreakerState{model.BreakerOpen}, metrics.States())

	stats := r.Stats("sentiment")
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(3), stats.TotalFailures)
	assert.False(t, stats.NextAttemptAt.IsZero())
}

func TestCircuitBreaker_StaysClosedBelowMinimumCalls(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		_, _ = r.Execute(context.Background(), "team", failingOp(&calls), ExecuteOptions{MaxRetries: 1})
	}
	assert.Equal(t, model.BreakerClosed, r.State("team"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, clock, metrics := newTestRegistry(t, nil)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, _ = r.Execute(ctx, "onchain", failingOp(&calls), ExecuteOptions{MaxRetries: 1})
	}
	require.Equal(t, model.BreakerOpen, r.State("onchain"))

	clock.Advance(1500 * time.Millisecond)
	_, err := r.Execute(ctx, "onchain", failingOp(&calls), ExecuteOptions{MaxRetries: 1})
	require.Error(t, err)
	assert.False(t, pkgerrors.IsCircuitOpen(err))
	assert.Equal(t, model.BreakerOpen, r.State("onchain"))
	assert.Equal(t, int32(4), calls.Load())

	assert.Equal(t, []model.BreakerState{
		model.BreakerOpen, model.BreakerHalfOpen, model.BreakerOpen,
	}, metrics.States())
}

func TestCircuitBreaker_HalfOpenSuccessesClose(t *testing.T) {
	r, clock, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, _ = r.Execute(ctx, "onchain", failingOp(&calls), ExecuteOptions{MaxRetries: 1})
	}
	clock.Advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		_, err := r.Execute(ctx, "onchain", okOp(&calls), ExecuteOptions{})
		require.NoError(t, err)
		assert.Equal(t, model.BreakerHalfOpen, r.State("onchain"))
	}
	_, err := r.Execute(ctx, "onchain", okOp(&calls), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.BreakerClosed, r.State("onchain"))

	stats := r.Stats("onchain")
	assert.Zero(t, stats.FailureCount)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestCircuitBreaker_RetriesCountAsOneCall(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	var calls atomic.Int32
	op := func(context.Context) (map[string]interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errBackendDown
		}
		return map[string]interface{}{"score": 1.0}, nil
	}

	res, err := r.Execute(context.Background(), "tokenomics", op, ExecuteOptions{MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1.0, res.Data["score"])

	stats := r.Stats("tokenomics")
	assert.Equal(t, int64(1), stats.TotalCalls)
	assert.Zero(t, stats.TotalFailures)
	assert.Equal(t, 1, stats.RecentCalls)
}

func TestCircuitBreaker_NonRetryableErrorStopsRetries(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	var calls atomic.Int32
	op := func(context.Context) (map[string]interface{}, error) {
		calls.Add(1)
		return nil, pkgerrors.Validation("bad project id")
	}

	res, err := r.Execute(context.Background(), "team", op, ExecuteOptions{MaxRetries: 3})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCircuitBreaker_AttemptTimeout(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	op := func(ctx context.Context) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := r.Execute(context.Background(), "team", op, ExecuteOptions{Timeout: 20 * time.Millisecond, MaxRetries: 1})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTimeout(err))
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonServiceTimeout))
	assert.Equal(t, int64(1), r.Stats("team").TotalFailures)
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := func(ctx context.Context) (map[string]interface{}, error) {
		return nil, ctx.Err()
	}
	_, err := r.Execute(ctx, "team", op, ExecuteOptions{MaxRetries: 3})
	require.Error(t, err)
	assert.Zero(t, r.Stats("team").TotalFailures)
}

type stubFallback struct {
	name     string
	priority int
	can      bool
	data     map[string]interface{}
	err      error
	calls    atomic.Int32
}

func (f *stubFallback) Name() string                                   { return f.name }
func (f *stubFallback) Priority() int                                  { return f.priority }
func (f *stubFallback) CanExecute(context.Context, *FallbackCall) bool { return f.can }
func (f *stubFallback) Execute(context.Context, *FallbackCall) (map[string]interface{}, error) {
	f.calls.Add(1)
	return f.data, f.err
}

func TestCircuitBreaker_FallbackChainOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	broken := &stubFallback{name: "broken", priority: 100, can: true, err: errors.New("empty")}
	skipped := &stubFallback{name: "skipped", priority: 50, can: false}
	static := &stubFallback{name: "static", priority: 10, can: true, data: map[string]interface{}{"score": 50.0}}
	low := &stubFallback{name: "low", priority: 1, can: true, data: map[string]interface{}{"score": 1.0}}

	r.RegisterFallback("sentiment", low)
	r.RegisterFallback("sentiment", static)
	r.RegisterFallback("sentiment", broken)
	r.RegisterFallback("sentiment", skipped)

	var calls atomic.Int32
	res, err := r.Execute(context.Background(), "sentiment", failingOp(&calls), ExecuteOptions{ProjectID: "btc"})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "static", res.FallbackName)
	assert.Equal(t, 50.0, res.Data["score"])
	assert.Error(t, res.Cause)

	assert.Equal(t, int32(1), broken.calls.Load())
	assert.Zero(t, skipped.calls.Load())
	assert.Zero(t, low.calls.Load())
}

func TestCircuitBreaker_FallbackWhileOpen(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	_, err := r.ForceState(context.Background(), "sentiment", model.BreakerOpen)
	require.NoError(t, err)

	static := &stubFallback{name: "static", priority: 10, can: true, data: map[string]interface{}{"score": 50.0}}
	var calls atomic.Int32
	res, err := r.Execute(context.Background(), "sentiment", okOp(&calls), ExecuteOptions{
		Fallbacks: []FallbackStrategy{static},
	})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.True(t, pkgerrors.IsCircuitOpen(res.Cause))
	assert.Zero(t, calls.Load())
}

func TestCircuitBreaker_ForceStatePublishes(t *testing.T) {
	repo := new(MockCircuitBreakerRepo)
	repo.On("SaveSnapshot", mock.Anything, mock.MatchedBy(func(s *model.BreakerSnapshot) bool {
		return s.Backend == "onchain" && s.State == model.BreakerOpen
	})).Return(nil).Once()
	repo.On("SaveSnapshot", mock.Anything, mock.MatchedBy(func(s *model.BreakerSnapshot) bool {
		return s.Backend == "onchain" && s.State == model.BreakerClosed
	})).Return(errors.New("redis down")).Once()

	r, clock, _ := newTestRegistry(t, repo)

	snap, err := r.ForceState(context.Background(), "onchain", model.BreakerOpen)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Second), snap.NextAttemptAt)

	// A store failure never surfaces to the caller.
	snap = r.Reset(context.Background(), "onchain")
	assert.Equal(t, model.BreakerClosed, snap.State)
	assert.Zero(t, snap.TotalCalls)

	repo.AssertExpectations(t)

	_, err = r.ForceState(context.Background(), "onchain", model.BreakerState("BROKEN"))
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestCircuitBreaker_Backoff(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	r.cfg.RetryDelay = time.Second
	r.cfg.MaxRetryDelay = 3 * time.Second

	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 3*time.Second, r.backoff(3))

	r.jitter = func() float64 { return 1 }
	assert.Equal(t, 1100*time.Millisecond, r.backoff(1))
}

func TestCircuitBreaker_AllStatsSorted(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	r.Ensure("team", "onchain", "sentiment")

	stats := r.AllStats()
	require.Len(t, stats, 3)
	assert.Equal(t, "onchain", stats[0].Backend)
	assert.Equal(t, "sentiment", stats[1].Backend)
	assert.Equal(t, "team", stats[2].Backend)
	assert.Equal(t, model.BreakerClosed, r.State("unknown"))
}
