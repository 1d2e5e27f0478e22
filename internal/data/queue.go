package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// priorityScale separates priority bands in the waiting set score so that,
// within a band, older jobs score higher.
const priorityScale = 1e13

// QueueRepo implements biz.QueueRepo on Redis.
//
// Layout under queue:{name}:
//
//	job:{id}       string  job JSON
//	waiting        zset    score = priority*1e13 + (1e13 - createdAtMillis), popped with ZPOPMAX
//	waiting_since  zset    score = createdAtMillis
//	delayed        zset    score = runAtMillis
//	active         set     job ids
//	completed      zset    score = finishedAtMillis
//	failed         zset    score = finishedAtMillis
//	dead           hash    job id -> dead-letter JSON
//	paused         string  "1" while paused
type QueueRepo struct {
	rdb    *redis.Client
	prefix string
	logger *log.Helper
}

// NewQueueRepo creates a Redis-backed queue repository.
func NewQueueRepo(c *conf.Gateway, rdb *redis.Client, logger log.Logger) *QueueRepo {
	name := "analysis"
	if c != nil && c.Queue != nil && c.Queue.Name != "" {
		name = c.Queue.Name
	}
	return &QueueRepo{
		rdb:    rdb,
		prefix: "queue:" + name,
		logger: log.NewHelper(logger),
	}
}

func (r *QueueRepo) key(parts ...string) string {
	return BuildCacheKey(r.prefix, parts...)
}

func (r *QueueRepo) jobKey(id string) string {
	return r.key("job", id)
}

func waitingScore(job *model.QueueJob) float64 {
	return float64(job.Priority)*priorityScale + (priorityScale - float64(job.CreatedAt.UnixMilli()))
}

func (r *QueueRepo) ready() error {
	if r.rdb == nil {
		return errors.New("redis client is nil")
	}
	return nil
}

// Enqueue stores job and adds it to the waiting set.
func (r *QueueRepo) Enqueue(ctx context.Context, job *model.QueueJob) error {
	if err := r.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(job.JobID), data, 0)
		pipe.ZAdd(ctx, r.key("waiting"), redis.Z{Score: waitingScore(job), Member: job.JobID})
		pipe.ZAdd(ctx, r.key("waiting_since"), redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.JobID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return nil
}

// Schedule moves job from the active set to the delayed set until runAt.
func (r *QueueRepo) Schedule(ctx context.Context, job *model.QueueJob, runAt time.Time) error {
	if err := r.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(job.JobID), data, 0)
		pipe.SRem(ctx, r.key("active"), job.JobID)
		pipe.ZAdd(ctx, r.key("delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.JobID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.JobID, err)
	}
	return nil
}

// promoteDue moves delayed jobs whose run time has passed back to waiting.
func (r *QueueRepo) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := r.rdb.ZRangeByScore(ctx, r.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, id := range ids {
		// ZREM decides which worker owns the promotion.
		removed, err := r.rdb.ZRem(ctx, r.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		job, err := r.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		job.State = model.JobWaiting
		if err := r.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue promotes due delayed jobs, then pops the highest-priority waiting job.
func (r *QueueRepo) Dequeue(ctx context.Context, now time.Time) (*model.QueueJob, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if err := r.promoteDue(ctx, now); err != nil {
		r.logger.Warnw("msg", "failed to promote delayed jobs", "error", err)
	}

	popped, err := r.rdb.ZPopMax(ctx, r.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop waiting job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key("waiting_since"), id)
		pipe.SAdd(ctx, r.key("active"), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", id, err)
	}

	job, err := r.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		r.rdb.SRem(ctx, r.key("active"), id)
		r.logger.Warnw("msg", "waiting job has no record, dropped", "job_id", id)
		return nil, nil
	}
	return job, nil
}

// SaveJob overwrites the job record.
func (r *QueueRepo) SaveJob(ctx context.Context, job *model.QueueJob) error {
	if err := r.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.rdb.Set(ctx, r.jobKey(job.JobID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob returns nil, nil for an unknown id.
func (r *QueueRepo) GetJob(ctx context.Context, jobID string) (*model.QueueJob, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	data, err := r.rdb.Get(ctx, r.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	var job model.QueueJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (r *QueueRepo) finish(ctx context.Context, job *model.QueueJob, set string) error {
	if err := r.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	finished := time.Now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(job.JobID), data, 0)
		pipe.SRem(ctx, r.key("active"), job.JobID)
		pipe.ZAdd(ctx, r.key(set), redis.Z{Score: float64(finished.UnixMilli()), Member: job.JobID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move job %s to %s: %w", job.JobID, set, err)
	}
	return nil
}

// Complete records a COMPLETED job.
func (r *QueueRepo) Complete(ctx context.Context, job *model.QueueJob) error {
	return r.finish(ctx, job, "completed")
}

// Fail records a FAILED job.
func (r *QueueRepo) Fail(ctx context.Context, job *model.QueueJob) error {
	return r.finish(ctx, job, "failed")
}

// Counts returns per-state job counts.
func (r *QueueRepo) Counts(ctx context.Context) (model.QueueCounts, error) {
	if err := r.ready(); err != nil {
		return model.QueueCounts{}, err
	}

	var (
		waiting, completed, failed, delayed *redis.IntCmd
		active, dead                        *redis.IntCmd
	)
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, r.key("waiting"))
		active = pipe.SCard(ctx, r.key("active"))
		completed = pipe.ZCard(ctx, r.key("completed"))
		failed = pipe.ZCard(ctx, r.key("failed"))
		delayed = pipe.ZCard(ctx, r.key("delayed"))
		dead = pipe.HLen(ctx, r.key("dead"))
		return nil
	})
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	return model.QueueCounts{
		Waiting:     waiting.Val(),
		Active:      active.Val(),
		Completed:   completed.Val(),
		Failed:      failed.Val(),
		Delayed:     delayed.Val(),
		DeadLetters: dead.Val(),
	}, nil
}

// WaitingLength returns the number of waiting jobs.
func (r *QueueRepo) WaitingLength(ctx context.Context) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	n, err := r.rdb.ZCard(ctx, r.key("waiting")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count waiting jobs: %w", err)
	}
	return n, nil
}

// OldestWaiting returns the earliest-created waiting job, or nil.
func (r *QueueRepo) OldestWaiting(ctx context.Context) (*model.QueueJob, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	ids, err := r.rdb.ZRange(ctx, r.key("waiting_since"), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest waiting job: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.GetJob(ctx, ids[0])
}

// ActiveJobs returns every job in the active set.
func (r *QueueRepo) ActiveJobs(ctx context.Context) ([]*model.QueueJob, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	ids, err := r.rdb.SMembers(ctx, r.key("active")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	sort.Strings(ids)

	jobs := make([]*model.QueueJob, 0, len(ids))
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// CompletedSince counts jobs completed at or after since.
func (r *QueueRepo) CompletedSince(ctx context.Context, since time.Time) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	n, err := r.rdb.ZCount(ctx, r.key("completed"), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	return n, nil
}

// Clean deletes completed and failed jobs finished before olderThan.
func (r *QueueRepo) Clean(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	cutoff := strconv.FormatInt(olderThan.UnixMilli(), 10)

	var removed int64
	for _, set := range []string{"completed", "failed"} {
		ids, err := r.rdb.ZRangeByScore(ctx, r.key(set), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to read %s jobs: %w", set, err)
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			keys[i] = r.jobKey(id)
			members[i] = id
		}
		_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, r.key(set), members...)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("failed to clean %s jobs: %w", set, err)
		}
		removed += int64(len(ids))
	}
	return removed, nil
}

// SetPaused sets or clears the pause flag.
func (r *QueueRepo) SetPaused(ctx context.Context, paused bool) error {
	if err := r.ready(); err != nil {
		return err
	}
	var err error
	if paused {
		err = r.rdb.Set(ctx, r.key("paused"), "1", 0).Err()
	} else {
		err = r.rdb.Del(ctx, r.key("paused")).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update pause flag: %w", err)
	}
	return nil
}

// IsPaused reports whether the pause flag is set.
func (r *QueueRepo) IsPaused(ctx context.Context) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	n, err := r.rdb.Exists(ctx, r.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	return n > 0, nil
}

// PutDeadLetter stores entry under its original job id.
func (r *QueueRepo) PutDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error {
	if err := r.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.key("dead"), entry.OriginalJobID, data).Err(); err != nil {
		return fmt.Errorf("failed to store dead-letter entry %s: %w", entry.OriginalJobID, err)
	}
	return nil
}

// GetDeadLetter returns nil, nil for an unknown id.
func (r *QueueRepo) GetDeadLetter(ctx context.Context, jobID string) (*model.DeadLetterEntry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	data, err := r.rdb.HGet(ctx, r.key("dead"), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead-letter entry %s: %w", jobID, err)
	}

	var entry model.DeadLetterEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead-letter entry %s: %w", jobID, err)
	}
	return &entry, nil
}

// ListDeadLetters returns every entry, most recent failure first.
func (r *QueueRepo) ListDeadLetters(ctx context.Context) ([]*model.DeadLetterEntry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	values, err := r.rdb.HVals(ctx, r.key("dead")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}

	entries := make([]*model.DeadLetterEntry, 0, len(values))
	for _, v := range values {
		var entry model.DeadLetterEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			r.logger.Warnw("msg", "skipping unreadable dead-letter entry", "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastFailureAt.After(entries[j].LastFailureAt)
	})
	return entries, nil
}

// DeleteDeadLetter removes an entry.
func (r *QueueRepo) DeleteDeadLetter(ctx context.Context, jobID string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.rdb.HDel(ctx, r.key("dead"), jobID).Err(); err != nil {
		return fmt.Errorf("failed to delete dead-letter entry %s: %w", jobID, err)
	}
	return nil
}
