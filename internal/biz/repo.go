package biz

import (
	"context"
	"time"

	"ChainScope/internal/model"
)

// The interfaces below are defined in the biz layer and implemented in the
// data layer (data.CacheStore, data.QueueRepo, data.CircuitBreakerRepo,
// data.BackendClient).

// CacheStore is the key-value store behind AdaptiveCache.
type CacheStore interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	// Set writes the entry with ttl and registers the key under each of its tags.
	Set(ctx context.Context, key string, entry *model.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	KeysByTag(ctx context.Context, tag string) ([]string, error)
	DeleteTag(ctx context.Context, tag string) error
	// Scan returns every key matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// QueueRepo persists queue jobs, their state indexes and the dead-letter set.
type QueueRepo interface {
	Enqueue(ctx context.Context, job *model.QueueJob) error
	// Schedule stores job as DELAYED until runAt, removing it from the active set.
	Schedule(ctx context.Context, job *model.QueueJob, runAt time.Time) error
	// Dequeue promotes due delayed jobs, then pops the highest-priority waiting
	// job into the active set. It returns nil, nil when nothing is waiting.
	Dequeue(ctx context.Context, now time.Time) (*model.QueueJob, error)
	SaveJob(ctx context.Context, job *model.QueueJob) error
	// GetJob returns nil, nil for an unknown id.
	GetJob(ctx context.Context, jobID string) (*model.QueueJob, error)
	Complete(ctx context.Context, job *model.QueueJob) error
	Fail(ctx context.Context, job *model.QueueJob) error
	Counts(ctx context.Context) (model.QueueCounts, error)
	WaitingLength(ctx context.Context) (int64, error)
	OldestWaiting(ctx context.Context) (*model.QueueJob, error)
	ActiveJobs(ctx context.Context) ([]*model.QueueJob, error)
	CompletedSince(ctx context.Context, since time.Time) (int64, error)
	Clean(ctx context.Context, olderThan time.Time) (int64, error)
	SetPaused(ctx context.Context, paused bool) error
	IsPaused(ctx context.Context) (bool, error)

	PutDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
	// GetDeadLetter returns nil, nil for an unknown id.
	GetDeadLetter(ctx context.Context, jobID string) (*model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context) ([]*model.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, jobID string) error
}

// CircuitBreakerRepo publishes breaker snapshots for operators and sibling instances.
type CircuitBreakerRepo interface {
	SaveSnapshot(ctx context.Context, snapshot *model.BreakerSnapshot) error
	GetSnapshot(ctx context.Context, backend string) (*model.BreakerSnapshot, error)
}

// BackendClient performs the HTTP calls to analysis backends.
type BackendClient interface {
	Analyze(ctx context.Context, call *model.BackendCall) (map[string]interface{}, error)
	Health(ctx context.Context, backend string) error
}
