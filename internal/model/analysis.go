// Package model holds the plain data types shared by the biz and data layers.
package model

import (
	"strings"
	"time"
)

// Tier is the subscription level of a caller.
type Tier string

// Tiers, lowest first.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a raw tier string onto a Tier. Unknown values become TierFree.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// User is the submitter of an analysis request as resolved by the upstream auth layer.
type User struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
}

// AnalysisType selects which backends a request fans out to.
type AnalysisType string

// Analysis types.
const (
	AnalysisQuick      AnalysisType = "quick"
	AnalysisFull       AnalysisType = "full"
	AnalysisSentiment  AnalysisType = "sentiment"
	AnalysisOnchain    AnalysisType = "onchain"
	AnalysisTokenomics AnalysisType = "tokenomics"
	AnalysisTeam       AnalysisType = "team"
	AnalysisRisk       AnalysisType = "risk"
)

// AnalysisRequest is the request descriptor handed to the orchestrator.
type AnalysisRequest struct {
	ProjectID     string                 `json:"projectId"`
	AnalysisType  AnalysisType           `json:"analysisType"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	RequestID     string                 `json:"requestId,omitempty"`
	ForceRefresh  bool                   `json:"forceRefresh,omitempty"`
	AllowQueue    bool                   `json:"allowQueue,omitempty"`
}

// ServiceStatus is the classified outcome of one backend call.
type ServiceStatus string

// Service statuses.
const (
	StatusSuccess     ServiceStatus = "success"
	StatusError       ServiceStatus = "error"
	StatusTimeout     ServiceStatus = "timeout"
	StatusFallback    ServiceStatus = "fallback"
	StatusCircuitOpen ServiceStatus = "circuit_open"
)

// ServiceResponse is the outcome of one plan entry.
type ServiceResponse struct {
	Backend       string                 `json:"backend"`
	Status        ServiceStatus          `json:"status"`
	Data          map[string]interface{} `json:"data,omitempty"`
	LatencyMs     int64                  `json:"latencyMs"`
	Error         string                 `json:"error,omitempty"`
	RetryAttempts int                    `json:"retryAttempts"`
	FallbackUsed  bool                   `json:"fallbackUsed"`
	FallbackName  string                 `json:"fallbackName,omitempty"`
}

// Succeeded reports whether the response carries usable data, direct or fallback.
func (r *ServiceResponse) Succeeded() bool {
	return r != nil && (r.Status == StatusSuccess || r.Status == StatusFallback)
}

// OrchestrationResult is the aggregate of every backend outcome for one request.
//
// SuccessRate counts direct and fallback successes. DataQuality mirrors it.
// Confidence is the cache-freshness weight: (direct + 0.5*fallback) / total.
type OrchestrationResult struct {
	ProjectID           string                      `json:"projectId"`
	AnalysisType        AnalysisType                `json:"analysisType"`
	CorrelationID       string                      `json:"correlationId,omitempty"`
	Results             map[string]*ServiceResponse `json:"results"`
	Warnings            []string                    `json:"warnings"`
	Recommendations     []string                    `json:"recommendations"`
	TotalExecutionMs    int64                       `json:"totalExecutionMs"`
	TotalServices       int                         `json:"totalServices"`
	SuccessfulServices  int                         `json:"successfulServices"`
	FailedServices      int                         `json:"failedServices"`
	TimeoutServices     int                         `json:"timeoutServices"`
	FallbackServices    int                         `json:"fallbackServices"`
	CircuitOpenServices int                         `json:"circuitOpenServices"`
	SuccessRate         float64                     `json:"successRate"`
	DataQuality         float64                     `json:"dataQuality"`
	Confidence          float64                     `json:"confidence"`
	AverageLatencyMs    float64                     `json:"averageLatencyMs"`
	Cached              bool                        `json:"cached"`
	GeneratedAt         time.Time                   `json:"generatedAt"`
}

// BackendCall is one HTTP invocation of a backend's analyze endpoint.
type BackendCall struct {
	Backend       string
	Endpoint      string
	Payload       map[string]interface{}
	CorrelationID string
	RequestID     string
}

// BackendHealth is the result of probing one backend's health path.
type BackendHealth struct {
	Backend      string       `json:"backend"`
	Healthy      bool         `json:"healthy"`
	LatencyMs    int64        `json:"latencyMs"`
	Error        string       `json:"error,omitempty"`
	BreakerState BreakerState `json:"breakerState"`
}
