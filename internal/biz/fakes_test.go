package biz

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/mock"
)

var testLogger = log.NewFilter(log.DefaultLogger, log.FilterLevel(log.LevelError))

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testGateway() *conf.Gateway {
	backends := conf.DefaultBackends()
	for _, b := range backends {
		b.Timeout = time.Second
		b.Retries = 1
		b.HealthPath = "/health"
	}
	return &conf.Gateway{
		Orchestrator: &conf.Orchestrator{
			MaxConcurrency:     4,
			AggregationPolicy:  conf.AggregationBestEffort,
			RequestTimeout:     5 * time.Second,
			HealthCheckTimeout: time.Second,
		},
		Breaker: &conf.Breaker{
			ErrorThresholdPercentage: 50,
			MinimumNumberOfCalls:     3,
			ResetTimeout:             time.Second,
			SlidingWindowSize:        time.Minute,
			HistoryLimit:             100,
			MaxRetries:               1,
			RetryDelay:               time.Millisecond,
			RetryMultiplier:          2,
			MaxRetryDelay:            10 * time.Millisecond,
		},
		Backends: backends,
		Cache: &conf.Cache{
			Prefix:        "chainscope",
			SchemaVersion: "v1",
			MaxTTL:        24 * time.Hour,
			Categories:    conf.DefaultCacheCategories(),
			Warm:          &conf.CacheWarm{RequestsPerSecond: 1000},
		},
		Queue: &conf.Queue{
			Name:                 "analysis",
			Workers:              1,
			PollInterval:         10 * time.Millisecond,
			MaxAttempts:          2,
			BackoffDelay:         time.Second,
			DeadLetterMaxRetries: 1,
			HeavyUserWindow:      time.Hour,
			JobTimeout:           5 * time.Second,
			StuckTimeout:         10 * time.Minute,
			Retention:            time.Hour,
			Monitor:              &conf.QueueMonitor{},
		},
	}
}

// recordingMetrics captures breaker transitions and backend call statuses.
type recordingMetrics struct {
	NoopMetrics
	mu     sync.Mutex
	states []model.BreakerState
	calls  map[string][]model.ServiceStatus
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{calls: make(map[string][]model.ServiceStatus)}
}

func (m *recordingMetrics) BreakerState(_ string, state model.BreakerState) {
	m.mu.Lock()
	m.states = append(m.states, state)
	m.mu.Unlock()
}

func (m *recordingMetrics) BackendCall(backend string, status model.ServiceStatus, _ time.Duration) {
	m.mu.Lock()
	m.calls[backend] = append(m.calls[backend], status)
	m.mu.Unlock()
}

func (m *recordingMetrics) States() []model.BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.BreakerState(nil), m.states...)
}

// MockCircuitBreakerRepo is a mock implementation of CircuitBreakerRepo.
type MockCircuitBreakerRepo struct {
	mock.Mock
}

func (m *MockCircuitBreakerRepo) SaveSnapshot(ctx context.Context, snapshot *model.BreakerSnapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockCircuitBreakerRepo) GetSnapshot(ctx context.Context, backend string) (*model.BreakerSnapshot, error) {
	args := m.Called(ctx, backend)
	if s := args.Get(0); s != nil {
		return s.(*model.BreakerSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockAuditLogger is a mock implementation of AuditLogger.
type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) Record(ctx context.Context, entry *model.OpsAuditEntry) {
	m.Called(ctx, entry)
}

// backendFunc answers one backend call.
type backendFunc func(ctx context.Context, call *model.BackendCall) (map[string]interface{}, error)

// fakeBackendClient dispatches calls to per-backend handlers and records
// call order and peak concurrency.
type fakeBackendClient struct {
	mu       sync.Mutex
	handlers map[string]backendFunc
	health   map[string]error
	calls    map[string]int
	events   []string
	payloads map[string]map[string]interface{}
	inflight int
	peak     int
}

func newFakeBackendClient() *fakeBackendClient {
	return &fakeBackendClient{
		handlers: make(map[string]backendFunc),
		health:   make(map[string]error),
		calls:    make(map[string]int),
		payloads: make(map[string]map[string]interface{}),
	}
}

func (f *fakeBackendClient) On(backend string, fn backendFunc) {
	f.mu.Lock()
	f.handlers[backend] = fn
	f.mu.Unlock()
}

func (f *fakeBackendClient) Reply(backend string, data map[string]interface{}) {
	f.On(backend, func(context.Context, *model.BackendCall) (map[string]interface{}, error) {
		return data, nil
	})
}

func (f *fakeBackendClient) Analyze(ctx context.Context, call *model.BackendCall) (map[string]interface{}, error) {
	f.mu.Lock()
	fn := f.handlers[call.Backend]
	f.calls[call.Backend]++
	f.events = append(f.events, "start:"+call.Backend)
	f.payloads[call.Backend] = call.Payload
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.events = append(f.events, "end:"+call.Backend)
		f.mu.Unlock()
	}()

	if fn == nil {
		return map[string]interface{}{"backend": call.Backend, "score": 50.0}, nil
	}
	return fn(ctx, call)
}

func (f *fakeBackendClient) Health(_ context.Context, backend string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[backend]
}

func (f *fakeBackendClient) Calls(backend string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[backend]
}

func (f *fakeBackendClient) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeBackendClient) Payload(backend string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[backend]
}

func (f *fakeBackendClient) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// blockUntilDone never answers before ctx is done.
func blockUntilDone(ctx context.Context, _ *model.BackendCall) (map[string]interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// memCacheStore is an in-memory CacheStore without expiry.
type memCacheStore struct {
	mu      sync.Mutex
	entries map[string]*model.CacheEntry
	tags    map[string]map[string]bool
	err     error
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{
		entries: make(map[string]*model.CacheEntry),
		tags:    make(map[string]map[string]bool),
	}
}

func (s *memCacheStore) Get(_ context.Context, key string) (*model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *memCacheStore) Set(_ context.Context, key string, entry *model.CacheEntry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *entry
	s.entries[key] = &cp
	for _, t := range entry.Tags {
		if s.tags[t] == nil {
			s.tags[t] = make(map[string]bool)
		}
		s.tags[t][key] = true
	}
	return nil
}

func (s *memCacheStore) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for _, k := range keys {
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *memCacheStore) KeysByTag(_ context.Context, tag string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var keys []string
	for k := range s.tags[tag] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memCacheStore) DeleteTag(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, tag)
	return s.err
}

func (s *memCacheStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var keys []string
	for k := range s.entries {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memCacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// memQueueRepo is an in-memory QueueRepo.
type memQueueRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.QueueJob
	waiting   map[string]bool
	delayed   map[string]time.Time
	active    map[string]bool
	completed map[string]time.Time
	failed    map[string]time.Time
	dead      map[string]*model.DeadLetterEntry
	paused    bool
	waitingN  int64 // overrides the waiting length when > 0
}

func newMemQueueRepo() *memQueueRepo {
	return &memQueueRepo{
		jobs:      make(map[string]*model.QueueJob),
		waiting:   make(map[string]bool),
		delayed:   make(map[string]time.Time),
		active:    make(map[string]bool),
		completed: make(map[string]time.Time),
		failed:    make(map[string]time.Time),
		dead:      make(map[string]*model.DeadLetterEntry),
	}
}

func copyJob(j *model.QueueJob) *model.QueueJob {
	cp := *j
	return &cp
}

func (r *memQueueRepo) Enqueue(_ context.Context, job *model.QueueJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.JobID] = copyJob(job)
	r.waiting[job.JobID] = true
	return nil
}

func (r *memQueueRepo) Schedule(_ context.Context, job *model.QueueJob, runAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.JobID] = copyJob(job)
	delete(r.active, job.JobID)
	r.delayed[job.JobID] = runAt
	return nil
}

func (r *memQueueRepo) Dequeue(_ context.Context, now time.Time) (*model.QueueJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, at := range r.delayed {
		if !at.After(now) {
			delete(r.delayed, id)
			r.jobs[id].State = model.JobWaiting
			r.waiting[id] = true
		}
	}

	var best *model.QueueJob
	for id := range r.waiting {
		j := r.jobs[id]
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	delete(r.waiting, best.JobID)
	r.active[best.JobID] = true
	return copyJob(best), nil
}

func (r *memQueueRepo) SaveJob(_ context.Context, job *model.QueueJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.JobID] = copyJob(job)
	return nil
}

func (r *memQueueRepo) GetJob(_ context.Context, jobID string) (*model.QueueJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return copyJob(j), nil
}

func (r *memQueueRepo) finish(job *model.QueueJob, set map[string]time.Time) {
	r.jobs[job.JobID] = copyJob(job)
	delete(r.active, job.JobID)
	at := time.Now()
	if job.FinishedAt != nil {
		at = *job.FinishedAt
	}
	set[job.JobID] = at
}

func (r *memQueueRepo) Complete(_ context.Context, job *model.QueueJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish(job, r.completed)
	return nil
}

func (r *memQueueRepo) Fail(_ context.Context, job *model.QueueJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish(job, r.failed)
	return nil
}

func (r *memQueueRepo) Counts(_ context.Context) (model.QueueCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.QueueCounts{
		Waiting:     int64(len(r.waiting)),
		Active:      int64(len(r.active)),
		Completed:   int64(len(r.completed)),
		Failed:      int64(len(r.failed)),
		Delayed:     int64(len(r.delayed)),
		DeadLetters: int64(len(r.dead)),
	}, nil
}

func (r *memQueueRepo) WaitingLength(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waitingN > 0 {
		return r.waitingN, nil
	}
	return int64(len(r.waiting)), nil
}

func (r *memQueueRepo) OldestWaiting(_ context.Context) (*model.QueueJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *model.QueueJob
	for id := range r.waiting {
		if j := r.jobs[id]; oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return copyJob(oldest), nil
}

func (r *memQueueRepo) ActiveJobs(_ context.Context) ([]*model.QueueJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []*model.QueueJob
	for id := range r.active {
		jobs = append(jobs, copyJob(r.jobs[id]))
	}
	return jobs, nil
}

func (r *memQueueRepo) CompletedSince(_ context.Context, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, at := range r.completed {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *memQueueRepo) Clean(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, set := range []map[string]time.Time{r.completed, r.failed} {
		for id, at := range set {
			if at.Before(olderThan) {
				delete(set, id)
				delete(r.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

func (r *memQueueRepo) SetPaused(_ context.Context, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
	return nil
}

func (r *memQueueRepo) IsPaused(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused, nil
}

func (r *memQueueRepo) PutDeadLetter(_ context.Context, entry *model.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.dead[entry.OriginalJobID] = &cp
	return nil
}

func (r *memQueueRepo) GetDeadLetter(_ context.Context, jobID string) (*model.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.dead[jobID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memQueueRepo) ListDeadLetters(_ context.Context) ([]*model.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.DeadLetterEntry, 0, len(r.dead))
	for _, e := range r.dead {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memQueueRepo) DeleteDeadLetter(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dead, jobID)
	return nil
}

func (r *memQueueRepo) State(jobID string) model.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		return j.State
	}
	return ""
}

var errBackendDown = errors.New("connection refused")

// engine is a fully wired orchestrator over in-memory stores.
type engine struct {
	cfg          *conf.Gateway
	client       *fakeBackendClient
	store        *memCacheStore
	repo         *memQueueRepo
	metrics      *recordingMetrics
	limiter      *ConcurrencyLimiter
	registry     *CircuitBreakerRegistry
	cache        *AdaptiveCache
	queue        *PriorityQueueManager
	orchestrator *Orchestrator
}

func newEngine(cfg *conf.Gateway) (*engine, error) {
	e := &engine{
		cfg:     cfg,
		client:  newFakeBackendClient(),
		store:   newMemCacheStore(),
		repo:    newMemQueueRepo(),
		metrics: newRecordingMetrics(),
	}
	e.limiter = NewConcurrencyLimiter(cfg, e.metrics, testLogger)
	e.registry = NewCircuitBreakerRegistry(cfg, nil, e.metrics, testLogger)
	e.cache = NewAdaptiveCache(cfg, e.store, e.metrics, testLogger)
	invoker := NewServiceInvoker(e.client, e.registry, e.cache, e.metrics, testLogger)
	planner, err := NewExecutionPlanner(cfg, e.registry, testLogger)
	if err != nil {
		return nil, err
	}
	executor := NewPlanExecutor(invoker, e.limiter, testLogger)
	e.queue, err = NewPriorityQueueManager(cfg, e.repo, e.metrics, testLogger)
	if err != nil {
		return nil, err
	}
	e.orchestrator = NewOrchestrator(cfg, e.cache, planner, executor, NewResultAggregator(),
		e.limiter, e.queue, e.registry, invoker, e.metrics, testLogger)
	return e, nil
}
