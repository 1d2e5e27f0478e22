package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg *conf.Gateway) (*PriorityQueueManager, *memQueueRepo, *testClock) {
	t.Helper()
	repo := newMemQueueRepo()
	q, err := NewPriorityQueueManager(cfg, repo, nil, testLogger)
	require.NoError(t, err)
	clock := newTestClock()
	q.now = clock.Now
	return q, repo, clock
}

func quickRequest() *model.AnalysisRequest {
	return &model.AnalysisRequest{ProjectID: "btc", AnalysisType: model.AnalysisQuick}
}

func succeed(context.Context, *model.QueueJob) (*model.OrchestrationResult, error) {
	return &model.OrchestrationResult{ProjectID: "btc", SuccessRate: 1}, nil
}

func failWith(err error) JobProcessor {
	return func(context.Context, *model.QueueJob) (*model.OrchestrationResult, error) {
		return nil, err
	}
}

func TestCalculatePriority(t *testing.T) {
	q, repo, _ := newTestQueue(t, testGateway())
	ctx := context.Background()

	assert.Equal(t, 3, q.CalculatePriority(ctx, model.TierFree, 0, ""))
	assert.Equal(t, 5, q.CalculatePriority(ctx, model.TierPro, 0, ""))
	assert.Equal(t, 8, q.CalculatePriority(ctx, model.TierEnterprise, 0, ""))
	assert.Equal(t, 3, q.CalculatePriority(ctx, model.Tier("gold"), 0, ""))

	assert.Equal(t, 4, q.CalculatePriority(ctx, model.TierFree, 1, ""))
	assert.Equal(t, 5, q.CalculatePriority(ctx, model.TierFree, 7, ""))
	assert.Equal(t, model.PriorityMax, q.CalculatePriority(ctx, model.TierEnterprise, 5, ""))

	q.cfg.LongQueueThreshold = 10
	repo.waitingN = 11
	assert.Equal(t, 4, q.CalculatePriority(ctx, model.TierPro, 0, ""))
	repo.waitingN = 10
	assert.Equal(t, 5, q.CalculatePriority(ctx, model.TierPro, 0, ""))
}

func TestSubmit_HeavyUserPenalty(t *testing.T) {
	cfg := testGateway()
	cfg.Queue.HeavyUserThreshold = 2
	q, _, clock := newTestQueue(t, cfg)
	ctx := context.Background()
	user := model.User{ID: "u1", Tier: model.TierFree}

	var priorities []int
	for i := 0; i < 3; i++ {
		job, err := q.Submit(ctx, "", quickRequest(), user, SubmitOptions{})
		require.NoError(t, err)
		priorities = append(priorities, job.Priority)
	}
	assert.Equal(t, []int{3, 3, model.PriorityMin}, priorities)

	// Other users are unaffected.
	job, err := q.Submit(ctx, "", quickRequest(), model.User{ID: "u2", Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, job.Priority)

	clock.Advance(2 * time.Hour)
	job, err = q.Submit(ctx, "", quickRequest(), user, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, job.Priority)
}

func TestSubmit_Defaults(t *testing.T) {
	q, _, clock := newTestQueue(t, testGateway())

	job, err := q.Submit(context.Background(), "", &model.AnalysisRequest{
		ProjectID:     "btc",
		AnalysisType:  model.AnalysisFull,
		CorrelationID: "corr-9",
	}, model.User{ID: "u1", Tier: model.TierPro}, SubmitOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, model.JobTypeAnalysis, job.Type)
	assert.Equal(t, "corr-9", job.CorrelationID)
	assert.Equal(t, model.JobWaiting, job.State)
	assert.Equal(t, clock.Now(), job.CreatedAt)
	assert.Equal(t, int64(6000), job.EstimatedDuration)

	_, err = q.Submit(context.Background(), "", nil, model.User{}, SubmitOptions{})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestProcessNext_PriorityOrder(t *testing.T) {
	q, _, clock := newTestQueue(t, testGateway())
	ctx := context.Background()

	var order []model.Tier
	q.RegisterProcessor(model.JobTypeAnalysis, func(_ context.Context, job *model.QueueJob) (*model.OrchestrationResult, error) {
		order = append(order, job.Submitter.Tier)
		return succeed(ctx, job)
	})

	for _, tier := range []model.Tier{model.TierFree, model.TierEnterprise, model.TierPro, model.TierFree} {
		_, err := q.Submit(ctx, "", quickRequest(), model.User{Tier: tier}, SubmitOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	for {
		ran, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		if !ran {
			break
		}
	}
	assert.Equal(t, []model.Tier{model.TierEnterprise, model.TierPro, model.TierFree, model.TierFree}, order)
}

func TestProcessNext_CompletesJob(t *testing.T) {
	q, repo, _ := newTestQueue(t, testGateway())
	ctx := context.Background()
	q.RegisterProcessor(model.JobTypeAnalysis, succeed)

	job, err := q.Submit(ctx, "", quickRequest(), model.User{ID: "u1", Tier: model.TierPro}, SubmitOptions{})
	require.NoError(t, err)

	ran, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := q.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.State)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Result)
	assert.Equal(t, 1.0, got.Result.SuccessRate)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, model.JobCompleted, repo.State(job.JobID))

	_, err = q.GetJob(ctx, "missing")
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonJobNotFound))
}

func TestProcessNext_RetryWithBackoffThenDeadLetter(t *testing.T) {
	q, repo, clock := newTestQueue(t, testGateway())
	ctx := context.Background()
	q.RegisterProcessor(model.JobTypeAnalysis, failWith(errBackendDown))

	job, err := q.Submit(ctx, "", quickRequest(), model.User{ID: "u1", Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)

	ran, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := q.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobDelayed, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 4, got.Priority)
	require.NotNil(t, got.RunAt)
	assert.Equal(t, clock.Now().Add(time.Second), *got.RunAt)
	assert.Equal(t, errBackendDown.Error(), got.FailureReason)

	// Not due yet.
	ran, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(time.Second)
	ran, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, model.JobFailed, repo.State(job.JobID))
	dead, err := q.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.JobID, dead[0].OriginalJobID)
	assert.Equal(t, 2, dead[0].FailureCount)
	assert.True(t, dead[0].CanRetry)
}

func TestBackoffDoubles(t *testing.T) {
	q, _, _ := newTestQueue(t, testGateway())

	assert.Equal(t, time.Second, q.backoff(0))
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 8*time.Second, q.backoff(4))
}

func TestProcessNext_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		proc    JobProcessor
		reason  string
	}{
		{"validation", model.JobTypeAnalysis, failWith(pkgerrors.Validation("bad project")), pkgerrors.ReasonValidation},
		{"invalid result", model.JobTypeAnalysis, failWith(pkgerrors.InvalidOrchestrationResult("no results")), pkgerrors.ReasonInvalidOrchestrationResult},
		{"no processor", "reindex", nil, pkgerrors.ReasonNoProcessor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, repo, _ := newTestQueue(t, testGateway())
			ctx := context.Background()
			if tt.proc != nil {
				q.RegisterProcessor(tt.jobType, tt.proc)
			}

			job, err := q.Submit(ctx, tt.jobType, quickRequest(), model.User{Tier: model.TierPro}, SubmitOptions{})
			require.NoError(t, err)
			ran, err := q.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, ran)

			assert.Equal(t, model.JobFailed, repo.State(job.JobID))
			entry, err := repo.GetDeadLetter(ctx, job.JobID)
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, 1, entry.FailureCount)
			assert.Contains(t, entry.FailureReason, tt.reason)
		})
	}
}

func TestProcessNext_PanicIsAFailure(t *testing.T) {
	q, repo, _ := newTestQueue(t, testGateway())
	ctx := context.Background()
	q.RegisterProcessor(model.JobTypeAnalysis, func(context.Context, *model.QueueJob) (*model.OrchestrationResult, error) {
		panic("nil map")
	})

	job, err := q.Submit(ctx, "", quickRequest(), model.User{Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)

	ran, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := q.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobDelayed, repo.State(job.JobID))
	assert.Contains(t, got.FailureReason, "panicked")
}

func TestRetryDeadLetter(t *testing.T) {
	q, _, clock := newTestQueue(t, testGateway())
	ctx := context.Background()
	q.RegisterProcessor(model.JobTypeAnalysis, failWith(pkgerrors.Validation("bad project")))

	job, err := q.Submit(ctx, "", quickRequest(), model.User{ID: "u1", Tier: model.TierPro}, SubmitOptions{CorrelationID: "corr-7"})
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	// Concurrent replays of the same entry produce exactly one new job.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		replayed []*model.QueueJob
		notFound int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := q.RetryDeadLetter(ctx, job.JobID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				replayed = append(replayed, j)
			case pkgerrors.IsReason(err, pkgerrors.ReasonDeadLetterNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()

	require.Len(t, replayed, 1)
	assert.Equal(t, 4, notFound)
	retry := replayed[0]
	assert.NotEqual(t, job.JobID, retry.JobID)
	assert.Equal(t, "corr-7", retry.CorrelationID)
	assert.Equal(t, 1, retry.DeadLetterRetries)

	// The replay fails again and its budget is now spent.
	clock.Advance(time.Second)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	_, err = q.RetryDeadLetter(ctx, retry.JobID)
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonDeadLetterNotRetryable))
	dead, err := q.ListDeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestPauseResume(t *testing.T) {
	q, _, _ := newTestQueue(t, testGateway())
	ctx := context.Background()
	q.RegisterProcessor(model.JobTypeAnalysis, succeed)

	require.NoError(t, q.Pause(ctx))
	_, err := q.Submit(ctx, "", quickRequest(), model.User{Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)

	ran, err := q.ProcessNext(ctx)
	assert.False(t, ran)
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonQueuePaused))

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.True(t, m.Paused)
	assert.Equal(t, int64(1), m.Counts.Waiting)

	require.NoError(t, q.Resume(ctx))
	ran, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestMetricsAndHealth(t *testing.T) {
	cfg := testGateway()
	cfg.Queue.MaxAttempts = 1
	cfg.Queue.Monitor = &conf.QueueMonitor{MaxErrorRate: 0.25, MaxQueueLength: 100}
	q, _, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	q.RegisterProcessor(model.JobTypeAnalysis, succeed)
	q.RegisterProcessor("reindex", failWith(errBackendDown))
	_, err := q.Submit(ctx, "", quickRequest(), model.User{Tier: model.TierPro}, SubmitOptions{})
	require.NoError(t, err)
	_, err = q.Submit(ctx, "reindex", quickRequest(), model.User{Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.ProcessNext(ctx)
		require.NoError(t, err)
	}

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Counts.Completed)
	assert.Equal(t, int64(1), m.Counts.Failed)
	assert.Equal(t, int64(1), m.Counts.DeadLetters)
	assert.Equal(t, 0.5, m.SuccessRate)
	assert.Equal(t, 0.5, m.ErrorRate)
	assert.Equal(t, int64(1), m.ThroughputPerMinute)

	h := q.HealthCheck(ctx)
	assert.Equal(t, model.HealthDegraded, h.Status)
	require.Len(t, h.Issues, 1)
	assert.Contains(t, h.Issues[0], "error rate")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{model.JobTypeAnalysis, "reindex"}, stats.Processors)
	assert.False(t, stats.Running)
}

func TestDetectStuckJobs(t *testing.T) {
	q, repo, clock := newTestQueue(t, testGateway())
	ctx := context.Background()

	job, err := q.Submit(ctx, "", quickRequest(), model.User{Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)
	active, err := repo.Dequeue(ctx, clock.Now())
	require.NoError(t, err)
	started := clock.Now()
	active.StartedAt = &started
	active.State = model.JobActive
	require.NoError(t, repo.SaveJob(ctx, active))

	assert.Equal(t, model.HealthHealthy, q.HealthCheck(ctx).Status)

	clock.Advance(11 * time.Minute)
	h := q.HealthCheck(ctx)
	assert.Equal(t, model.HealthUnhealthy, h.Status)
	assert.Equal(t, []string{job.JobID}, h.StuckJobs)
	assert.Equal(t, model.JobStuck, repo.State(job.JobID))
}

func TestClean(t *testing.T) {
	q, _, clock := newTestQueue(t, testGateway())
	ctx := context.Background()
	q.RegisterProcessor(model.JobTypeAnalysis, succeed)

	_, err := q.Submit(ctx, "", quickRequest(), model.User{Tier: model.TierFree}, SubmitOptions{})
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	n, err := q.Clean(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = q.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStartStop_WorkersDrainQueue(t *testing.T) {
	q, repo, _ := newTestQueue(t, testGateway())
	q.RegisterProcessor(model.JobTypeAnalysis, succeed)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Submit(context.Background(), "", quickRequest(), model.User{Tier: model.TierPro}, SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return repo.State(job.JobID) == model.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	require.NoError(t, q.Stop(ctx))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Running)
}

func TestConstructorsLeaveSharedConfigUntouched(t *testing.T) {
	cfg := testGateway()
	cfg.Queue.Monitor = nil
	cfg.Cache = &conf.Cache{}

	q, _, _ := newTestQueue(t, cfg)
	c := NewAdaptiveCache(cfg, newMemCacheStore(), nil, testLogger)

	require.NotNil(t, q.cfg.Monitor)
	assert.Equal(t, "chainscope", c.cfg.Prefix)
	assert.NotEmpty(t, c.cfg.Categories)

	assert.Nil(t, cfg.Queue.Monitor)
	assert.Empty(t, cfg.Cache.Prefix)
	assert.Empty(t, cfg.Cache.SchemaVersion)
	assert.Nil(t, cfg.Cache.Categories)
	assert.Nil(t, cfg.Cache.Warm)
}
