package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// snapshotTTL bounds how long a published snapshot outlives its last update.
const snapshotTTL = 24 * time.Hour

// CircuitBreakerRepo implements biz.CircuitBreakerRepo. Each backend's
// snapshot is a hash at circuit:{backend}.
type CircuitBreakerRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewCircuitBreakerRepo creates a new circuit breaker repository.
func NewCircuitBreakerRepo(rdb *redis.Client, logger log.Logger) *CircuitBreakerRepo {
	return &CircuitBreakerRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

func circuitKey(backend string) string {
	return fmt.Sprintf("circuit:%s", backend)
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SaveSnapshot publishes snap.
func (r *CircuitBreakerRepo) SaveSnapshot(ctx context.Context, snap *model.BreakerSnapshot) error {
	if r.rdb == nil {
		return errors.New("redis client is nil")
	}

	key := circuitKey(snap.Backend)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"state":                string(snap.State),
			"failure_count":        snap.FailureCount,
			"consecutive_failures": snap.ConsecutiveFailures,
			"success_count":        snap.SuccessCount,
			"total_calls":          snap.TotalCalls,
			"total_failures":       snap.TotalFailures,
			"last_failure_at":      unixMillis(snap.LastFailureAt),
			"next_attempt_at":      unixMillis(snap.NextAttemptAt),
			"last_state_change":    unixMillis(snap.LastStateChange),
		})
		pipe.Expire(ctx, key, snapshotTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save breaker snapshot: %w", err)
	}

	r.logger.Debugw("msg", "breaker snapshot published", "backend", snap.Backend, "state", snap.State)
	return nil
}

// GetSnapshot returns nil, nil when no snapshot was published for backend.
func (r *CircuitBreakerRepo) GetSnapshot(ctx context.Context, backend string) (*model.BreakerSnapshot, error) {
	if r.rdb == nil {
		return nil, errors.New("redis client is nil")
	}

	fields, err := r.rdb.HGetAll(ctx, circuitKey(backend)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get breaker snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	state, ok := model.ParseBreakerState(fields["state"])
	if !ok {
		return nil, fmt.Errorf("breaker snapshot for %s has invalid state %q", backend, fields["state"])
	}

	atoi := func(k string) int {
		v, _ := strconv.Atoi(fields[k])
		return v
	}
	atoi64 := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}

	return &model.BreakerSnapshot{
		Backend:             backend,
		State:               state,
		FailureCount:        atoi("failure_count"),
		ConsecutiveFailures: atoi("consecutive_failures"),
		SuccessCount:        atoi("success_count"),
		TotalCalls:          atoi64("total_calls"),
		TotalFailures:       atoi64("total_failures"),
		LastFailureAt:       fromMillis(fields["last_failure_at"]),
		NextAttemptAt:       fromMillis(fields["next_attempt_at"]),
		LastStateChange:     fromMillis(fields["last_state_change"]),
	}, nil
}
