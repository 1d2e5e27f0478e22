package model

import "time"

// JobState is the lifecycle state of a queue job.
type JobState string

// Job states.
const (
	JobWaiting   JobState = "WAITING"
	JobActive    JobState = "ACTIVE"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobDelayed   JobState = "DELAYED"
	JobStuck     JobState = "STUCK"
)

// Job priority bounds. Higher runs first.
const (
	PriorityMin = 1
	PriorityMax = 10
)

// JobTypeAnalysis is the job type of a queued orchestration request.
const JobTypeAnalysis = "analysis"

// QueueJob is the persisted job record.
type QueueJob struct {
	JobID             string               `json:"jobId"`
	Type              string               `json:"type"`
	Request           *AnalysisRequest     `json:"request"`
	Submitter         User                 `json:"submitter"`
	CorrelationID     string               `json:"correlationId"`
	Priority          int                  `json:"priority"`
	CreatedAt         time.Time            `json:"createdAt"`
	EstimatedDuration int64                `json:"estimatedDuration"`
	RetryCount        int                  `json:"retryCount"`
	State             JobState             `json:"state"`
	Attempts          int                  `json:"attempts"`
	DeadLetterRetries int                  `json:"deadLetterRetries"`
	RunAt             *time.Time           `json:"runAt,omitempty"`
	StartedAt         *time.Time           `json:"startedAt,omitempty"`
	FinishedAt        *time.Time           `json:"finishedAt,omitempty"`
	FailureReason     string               `json:"failureReason,omitempty"`
	Result            *OrchestrationResult `json:"result,omitempty"`
}

// DeadLetterEntry is a job that exhausted its retries.
type DeadLetterEntry struct {
	OriginalJobID string    `json:"originalJobId"`
	JobData       *QueueJob `json:"jobData"`
	FailureReason string    `json:"failureReason"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt"`
	CanRetry      bool      `json:"canRetry"`
}

// QueueCounts are per-state job counts.
type QueueCounts struct {
	Waiting     int64 `json:"waiting"`
	Active      int64 `json:"active"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Delayed     int64 `json:"delayed"`
	DeadLetters int64 `json:"deadLetters"`
}

// QueueMetrics is a periodic snapshot of the queue.
type QueueMetrics struct {
	Queue               string      `json:"queue"`
	Counts              QueueCounts `json:"counts"`
	SuccessRate         float64     `json:"successRate"`
	ErrorRate           float64     `json:"errorRate"`
	ThroughputPerMinute int64       `json:"throughputPerMinute"`
	AvgProcessingMs     float64     `json:"avgProcessingMs"`
	Paused              bool        `json:"paused"`
	CollectedAt         time.Time   `json:"collectedAt"`
}

// QueueHealth is the outcome of a queue health check.
type QueueHealth struct {
	Status    HealthStatus  `json:"status"`
	Issues    []string      `json:"issues"`
	StuckJobs []string      `json:"stuckJobs,omitempty"`
	Metrics   *QueueMetrics `json:"metrics,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// QueueStats is the operator view of the queue.
type QueueStats struct {
	Metrics         *QueueMetrics `json:"metrics"`
	Workers         int           `json:"workers"`
	Processors      []string      `json:"processors"`
	Running         bool          `json:"running"`
	OldestWaitingMs int64         `json:"oldestWaitingMs"`
}
