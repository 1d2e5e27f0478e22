package biz

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ChainScope/internal/model"
)

// Recommendation thresholds.
const (
	highScore          = 70.0
	lowScore           = 30.0
	weakFundamentals   = 40.0
	lowSuccessRate     = 0.5
	highAverageLatency = 5000.0
)

// ResultAggregator merges per-backend outcomes into an OrchestrationResult.
type ResultAggregator struct{}

// NewResultAggregator creates a ResultAggregator.
func NewResultAggregator() *ResultAggregator {
	return &ResultAggregator{}
}

// Aggregate builds the result for req from results. totalServices is the
// number of responses; a zero total yields a zero success rate.
func (a *ResultAggregator) Aggregate(req *model.AnalysisRequest, results map[string]*model.ServiceResponse, elapsed time.Duration) *model.OrchestrationResult {
	if results == nil {
		results = map[string]*model.ServiceResponse{}
	}
	out := &model.OrchestrationResult{
		ProjectID:        req.ProjectID,
		AnalysisType:     req.AnalysisType,
		CorrelationID:    req.CorrelationID,
		Results:          results,
		Warnings:         []string{},
		Recommendations:  []string{},
		TotalExecutionMs: elapsed.Milliseconds(),
		TotalServices:    len(results),
		GeneratedAt:      time.Now(),
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var latencySum int64
	var completed, direct int
	warnings := newStringSet()

	for _, name := range names {
		r := results[name]
		switch r.Status {
		case model.StatusSuccess:
			direct++
			out.SuccessfulServices++
		case model.StatusFallback:
			out.SuccessfulServices++
			out.FallbackServices++
			warnings.add(fmt.Sprintf("%s_using_fallback_data", name))
		case model.StatusTimeout:
			out.TimeoutServices++
			out.FailedServices++
			warnings.add(fmt.Sprintf("%s_service_unavailable", name))
		case model.StatusCircuitOpen:
			out.CircuitOpenServices++
			out.FailedServices++
			warnings.add(fmt.Sprintf("%s_service_unavailable", name))
		default:
			out.FailedServices++
			warnings.add(fmt.Sprintf("%s_service_unavailable", name))
		}

		// Circuit-open rejections never reached the network.
		if r.Status != model.StatusCircuitOpen {
			latencySum += r.LatencyMs
			completed++
		}
	}

	if out.TotalServices > 0 {
		total := float64(out.TotalServices)
		out.SuccessRate = float64(out.SuccessfulServices) / total
		out.Confidence = (float64(direct) + 0.5*float64(out.FallbackServices)) / total
	}
	out.DataQuality = out.SuccessRate
	if completed > 0 {
		out.AverageLatencyMs = float64(latencySum) / float64(completed)
	}

	if out.TotalServices > 0 && out.SuccessRate < lowSuccessRate {
		warnings.add("low_data_quality")
	}
	out.Warnings = warnings.items
	out.Recommendations = a.recommend(results, out)
	return out
}

func (a *ResultAggregator) recommend(results map[string]*model.ServiceResponse, out *model.OrchestrationResult) []string {
	recs := newStringSet()

	sentiment, hasSentiment := score(results, "sentiment", "score")
	risk, hasRisk := score(results, "onchain", "riskScore")
	tokenomics, hasTokenomics := score(results, "tokenomics", "score")
	team, hasTeam := score(results, "team", "score")

	if hasSentiment && hasRisk {
		switch {
		case sentiment >= highScore && risk >= highScore:
			recs.add("conflicting signals: positive sentiment despite high on-chain risk, review manually")
		case sentiment <= lowScore && risk <= lowScore:
			recs.add("sentiment lags healthy on-chain fundamentals, possible accumulation opportunity")
		case sentiment >= highScore && risk <= lowScore:
			recs.add("sentiment and on-chain risk agree: strong profile")
		}
	}
	if hasTokenomics && hasTeam && tokenomics < weakFundamentals && team < weakFundamentals {
		recs.add("weak fundamentals: both tokenomics and team scores are low")
	}
	if hasRisk && hasTokenomics && risk >= highScore && tokenomics < weakFundamentals {
		recs.add("high risk concentration: on-chain risk and tokenomics both unfavourable")
	}

	if out.TotalServices > 0 && out.SuccessRate < lowSuccessRate {
		recs.add("most backends were unavailable, retry later for a complete analysis")
	}
	if out.FallbackServices > 0 {
		recs.add("some data comes from fallbacks and may be stale")
	}
	if out.AverageLatencyMs > highAverageLatency {
		recs.add("backend latency is high, consider the async analysis endpoint")
	}
	return recs.items
}

// score reads a numeric field from a successful backend payload.
func score(results map[string]*model.ServiceResponse, backend, field string) (float64, bool) {
	r, ok := results[backend]
	if !ok || !r.Succeeded() || r.Data == nil {
		return 0, false
	}
	return toFloat(r.Data[field])
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// stringSet is an insertion-ordered set.
type stringSet struct {
	seen  map[string]bool
	items []string
}

func newStringSet() *stringSet {
	return &stringSet{seen: map[string]bool{}, items: []string{}}
}

func (s *stringSet) add(v string) {
	if s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}
