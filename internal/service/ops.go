package service

import (
	"context"

	"ChainScope/internal/biz"
	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// BackendRequest addresses one backend's breaker.
type BackendRequest struct {
	Backend string `json:"backend" validate:"required"`
}

// ForceBreakerRequest pins a breaker into a state.
type ForceBreakerRequest struct {
	Backend string `json:"backend" validate:"required"`
	State   string `json:"state" validate:"required,oneof=CLOSED OPEN HALF_OPEN"`
}

// DeadLetterRequest addresses one dead-letter entry by its original job id.
type DeadLetterRequest struct {
	JobID string `json:"id" validate:"required"`
}

// InvalidateCacheRequest selects cache entries to remove.
type InvalidateCacheRequest struct {
	ProjectID string `json:"projectId" validate:"required_without_all=Backend Tag"`
	Backend   string `json:"backend"`
	Tag       string `json:"tag"`
}

// EmptyRequest is the body of parameterless operations.
type EmptyRequest struct{}

type BreakersReply struct {
	Breakers []model.BreakerStats `json:"breakers"`
}

type QueueStateReply struct {
	Queue  string `json:"queue"`
	Paused bool   `json:"paused"`
}

type CountReply struct {
	Removed int64 `json:"removed"`
}

type DeadLettersReply struct {
	Entries []*model.DeadLetterEntry `json:"entries"`
}

type WarmReply struct {
	Started bool `json:"started"`
}

type BackendHealthReply struct {
	Backends []model.BackendHealth `json:"backends"`
}

// OpsService is the operator surface.
type OpsService struct {
	uc     *biz.OpsUsecase
	logger *log.Helper
}

// NewOpsService creates a new OpsService instance.
func NewOpsService(uc *biz.OpsUsecase, logger log.Logger) *OpsService {
	return &OpsService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

func (s *OpsService) ListBreakers(_ context.Context, _ *EmptyRequest) (*BreakersReply, error) {
	return &BreakersReply{Breakers: s.uc.Breakers()}, nil
}

func (s *OpsService) GetBreaker(ctx context.Context, req *BackendRequest) (*biz.BreakerView, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return s.uc.Breaker(ctx, req.Backend)
}

// ForceBreaker pins a backend's breaker into the requested state.
func (s *OpsService) ForceBreaker(ctx context.Context, req *ForceBreakerRequest) (*model.BreakerSnapshot, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	s.logger.Infow("msg", "ForceBreaker called", "backend", req.Backend, "state", req.State)

	snap, err := s.uc.ForceBreaker(ctx, req.Backend, req.State)
	if err != nil {
		s.logger.Errorw("msg", "failed to force breaker", "backend", req.Backend, "error", err)
		return nil, err
	}
	return &snap, nil
}

// ResetBreaker closes a backend's breaker and clears its history.
func (s *OpsService) ResetBreaker(ctx context.Context, req *BackendRequest) (*model.BreakerSnapshot, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	s.logger.Infow("msg", "ResetBreaker called", "backend", req.Backend)

	snap, err := s.uc.ResetBreaker(ctx, req.Backend)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *OpsService) QueueMetrics(ctx context.Context, _ *EmptyRequest) (*model.QueueMetrics, error) {
	return s.uc.QueueMetrics(ctx)
}

func (s *OpsService) QueueHealth(ctx context.Context, _ *EmptyRequest) (*model.QueueHealth, error) {
	return s.uc.QueueHealth(ctx), nil
}

func (s *OpsService) QueueStats(ctx context.Context, _ *EmptyRequest) (*model.QueueStats, error) {
	return s.uc.QueueStats(ctx)
}

// PauseQueue stops workers from taking new jobs.
func (s *OpsService) PauseQueue(ctx context.Context, _ *EmptyRequest) (*QueueStateReply, error) {
	if err := s.uc.PauseQueue(ctx); err != nil {
		s.logger.Errorw("msg", "failed to pause queue", "error", err)
		return nil, err
	}
	return s.queueState(ctx)
}

// ResumeQueue lets workers take jobs again.
func (s *OpsService) ResumeQueue(ctx context.Context, _ *EmptyRequest) (*QueueStateReply, error) {
	if err := s.uc.ResumeQueue(ctx); err != nil {
		s.logger.Errorw("msg", "failed to resume queue", "error", err)
		return nil, err
	}
	return s.queueState(ctx)
}

func (s *OpsService) queueState(ctx context.Context) (*QueueStateReply, error) {
	m, err := s.uc.QueueMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStateReply{Queue: m.Queue, Paused: m.Paused}, nil
}

func (s *OpsService) CleanQueue(ctx context.Context, _ *EmptyRequest) (*CountReply, error) {
	n, err := s.uc.CleanQueue(ctx)
	if err != nil {
		return nil, err
	}
	return &CountReply{Removed: n}, nil
}

func (s *OpsService) ListDeadLetters(ctx context.Context, _ *EmptyRequest) (*DeadLettersReply, error) {
	entries, err := s.uc.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return &DeadLettersReply{Entries: entries}, nil
}

// RetryDeadLetter replays a dead-letter entry as a new job.
func (s *OpsService) RetryDeadLetter(ctx context.Context, req *DeadLetterRequest) (*JobReply, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	s.logger.Infow("msg", "RetryDeadLetter called", "job_id", req.JobID)

	job, err := s.uc.RetryDeadLetter(ctx, req.JobID)
	if err != nil {
		s.logger.Warnw("msg", "dead-letter replay rejected", "job_id", req.JobID, "error", err)
		return nil, err
	}
	return toJobReply(job), nil
}

func (s *OpsService) CacheStats(_ context.Context, _ *EmptyRequest) (*model.CacheStats, error) {
	stats := s.uc.CacheStats()
	return &stats, nil
}

func (s *OpsService) CacheHealth(ctx context.Context, _ *EmptyRequest) (*model.CacheHealth, error) {
	h := s.uc.CacheHealth(ctx)
	return &h, nil
}

func (s *OpsService) CacheReport(ctx context.Context, _ *EmptyRequest) (*model.CachePerformanceReport, error) {
	r := s.uc.CacheReport(ctx)
	return &r, nil
}

// InvalidateCache removes cache entries by project, backend and/or tag.
func (s *OpsService) InvalidateCache(ctx context.Context, req *InvalidateCacheRequest) (*CountReply, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	s.logger.Infow("msg", "InvalidateCache called", "project_id", req.ProjectID, "backend", req.Backend, "tag", req.Tag)

	n, err := s.uc.InvalidateCache(ctx, biz.CacheInvalidation{
		ProjectID: req.ProjectID,
		Backend:   req.Backend,
		Tag:       req.Tag,
	})
	if err != nil {
		return nil, err
	}
	return &CountReply{Removed: n}, nil
}

func (s *OpsService) WarmCache(ctx context.Context, _ *EmptyRequest) (*WarmReply, error) {
	return &WarmReply{Started: s.uc.WarmCache(ctx)}, nil
}

func (s *OpsService) BackendHealth(ctx context.Context, _ *EmptyRequest) (*BackendHealthReply, error) {
	return &BackendHealthReply{Backends: s.uc.BackendHealth(ctx)}, nil
}
