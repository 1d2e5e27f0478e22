package service

import (
	"context"
	"time"

	"ChainScope/internal/biz"
	"ChainScope/internal/model"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// AnalyzeRequest is the body of POST /v1/analysis and POST /v1/analysis/jobs.
type AnalyzeRequest struct {
	ProjectID     string                 `json:"projectId" validate:"required,max=128"`
	AnalysisType  string                 `json:"analysisType" validate:"required,oneof=quick full sentiment onchain tokenomics team risk"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty" validate:"max=128"`
	ForceRefresh  bool                   `json:"forceRefresh,omitempty"`
	AllowQueue    bool                   `json:"allowQueue,omitempty"`
}

// AnalyzeReply carries either a result or the job a request was diverted to.
type AnalyzeReply struct {
	Result *model.OrchestrationResult `json:"result,omitempty"`
	Job    *JobReply                  `json:"job,omitempty"`
}

// GetJobRequest addresses one job.
type GetJobRequest struct {
	JobID string `json:"id" validate:"required"`
}

// JobReply is the caller view of a queued job.
type JobReply struct {
	JobID         string                     `json:"jobId"`
	State         model.JobState             `json:"state"`
	Priority      int                        `json:"priority"`
	Attempts      int                        `json:"attempts"`
	CorrelationID string                     `json:"correlationId"`
	CreatedAt     time.Time                  `json:"createdAt"`
	FinishedAt    *time.Time                 `json:"finishedAt,omitempty"`
	FailureReason string                     `json:"failureReason,omitempty"`
	Result        *model.OrchestrationResult `json:"result,omitempty"`
}

func toJobReply(job *model.QueueJob) *JobReply {
	return &JobReply{
		JobID:         job.JobID,
		State:         job.State,
		Priority:      job.Priority,
		Attempts:      job.Attempts,
		CorrelationID: job.CorrelationID,
		CreatedAt:     job.CreatedAt,
		FinishedAt:    job.FinishedAt,
		FailureReason: job.FailureReason,
		Result:        job.Result,
	}
}

// AnalysisService serves analysis requests.
type AnalysisService struct {
	orchestrator *biz.Orchestrator
	logger       *log.Helper
}

// NewAnalysisService creates a new AnalysisService instance.
func NewAnalysisService(orchestrator *biz.Orchestrator, logger log.Logger) *AnalysisService {
	return &AnalysisService{
		orchestrator: orchestrator,
		logger:       log.NewHelper(logger),
	}
}

// submitter resolves the caller identity injected by the identity middleware.
func submitter(ctx context.Context) model.User {
	rc := pkglog.GetRequestContext(ctx)
	return model.User{ID: rc.UserID, Tier: model.ParseTier(rc.Tier)}
}

func (req *AnalyzeRequest) toModel(ctx context.Context) *model.AnalysisRequest {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = pkglog.GetCorrelationID(ctx)
	}
	return &model.AnalysisRequest{
		ProjectID:     req.ProjectID,
		AnalysisType:  model.AnalysisType(req.AnalysisType),
		Parameters:    req.Parameters,
		CorrelationID: correlationID,
		RequestID:     pkglog.GetRequestID(ctx),
		ForceRefresh:  req.ForceRefresh,
		AllowQueue:    req.AllowQueue,
	}
}

// Analyze runs an analysis synchronously, or diverts it to the queue under load.
func (s *AnalysisService) Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeReply, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	s.logger.Debugw("msg", "Analyze called", "project_id", req.ProjectID, "analysis_type", req.AnalysisType)

	outcome, err := s.orchestrator.Analyze(ctx, req.toModel(ctx), submitter(ctx))
	if err != nil {
		s.logger.Errorw("msg", "analysis failed", "project_id", req.ProjectID, "error", err)
		return nil, err
	}
	if outcome.Job != nil {
		return &AnalyzeReply{Job: toJobReply(outcome.Job)}, nil
	}
	return &AnalyzeReply{Result: outcome.Result}, nil
}

// SubmitAnalysis admits an analysis to the job queue.
func (s *AnalysisService) SubmitAnalysis(ctx context.Context, req *AnalyzeRequest) (*JobReply, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	s.logger.Infow("msg", "SubmitAnalysis called", "project_id", req.ProjectID, "analysis_type", req.AnalysisType)

	job, err := s.orchestrator.SubmitAsync(ctx, req.toModel(ctx), submitter(ctx))
	if err != nil {
		s.logger.Errorw("msg", "failed to submit analysis job", "project_id", req.ProjectID, "error", err)
		return nil, err
	}
	return toJobReply(job), nil
}

// GetJob returns a job's state and, once finished, its result.
func (s *AnalysisService) GetJob(ctx context.Context, req *GetJobRequest) (*JobReply, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	job, err := s.orchestrator.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	return toJobReply(job), nil
}
