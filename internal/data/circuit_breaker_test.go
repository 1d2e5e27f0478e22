package data

import (
	"context"
	"testing"
	"time"

	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerRepo_SaveAndGet(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewCircuitBreakerRepo(rdb, log.DefaultLogger)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	snap := &model.BreakerSnapshot{
		Backend:             "sentiment",
		State:               model.BreakerOpen,
		FailureCount:        6,
		ConsecutiveFailures: 3,
		TotalCalls:          10,
		TotalFailures:       6,
		LastFailureAt:       now,
		NextAttemptAt:       now.Add(30 * time.Second),
		LastStateChange:     now,
	}
	require.NoError(t, repo.SaveSnapshot(ctx, snap))

	assert.Equal(t, "OPEN", mr.HGet("circuit:sentiment", "state"))
	assert.True(t, mr.TTL("circuit:sentiment") > 0)

	got, err := repo.GetSnapshot(ctx, "sentiment")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.BreakerOpen, got.State)
	assert.Equal(t, 6, got.FailureCount)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.Equal(t, int64(10), got.TotalCalls)
	assert.True(t, snap.NextAttemptAt.Equal(got.NextAttemptAt))
	assert.True(t, snap.LastFailureAt.Equal(got.LastFailureAt))
}

func TestCircuitBreakerRepo_ZeroTimesRoundTrip(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	repo := NewCircuitBreakerRepo(rdb, log.DefaultLogger)
	ctx := context.Background()

	require.NoError(t, repo.SaveSnapshot(ctx, &model.BreakerSnapshot{Backend: "team", State: model.BreakerClosed}))

	got, err := repo.GetSnapshot(ctx, "team")
	require.NoError(t, err)
	assert.True(t, got.NextAttemptAt.IsZero())
	assert.True(t, got.LastFailureAt.IsZero())
}

func TestCircuitBreakerRepo_GetUnknown(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	repo := NewCircuitBreakerRepo(rdb, log.DefaultLogger)

	got, err := repo.GetSnapshot(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestCircuitBreakerRepo_InvalidState(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewCircuitBreakerRepo(rdb, log.DefaultLogger)

	mr.HSet("circuit:onchain", "state", "BROKEN")
	_, err := repo.GetSnapshot(context.Background(), "onchain")
	assert.Error(t, err)
}

func TestCircuitBreakerRepo_NilClient(t *testing.T) {
	repo := NewCircuitBreakerRepo(nil, log.DefaultLogger)
	assert.Error(t, repo.SaveSnapshot(context.Background(), &model.BreakerSnapshot{Backend: "x"}))
}
