package biz

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// analysisBackends is the fixed analysis-type x tier backend selection.
var analysisBackends = map[model.AnalysisType]map[model.Tier][]string{
	model.AnalysisQuick: {
		model.TierFree:       {"sentiment"},
		model.TierPro:        {"sentiment", "onchain"},
		model.TierEnterprise: {"sentiment", "onchain"},
	},
	model.AnalysisFull: {
		model.TierFree:       {"sentiment", "onchain", "tokenomics", "team"},
		model.TierPro:        {"sentiment", "onchain", "tokenomics", "team"},
		model.TierEnterprise: {"sentiment", "onchain", "tokenomics", "team"},
	},
	model.AnalysisSentiment:  allTiers("sentiment"),
	model.AnalysisOnchain:    allTiers("onchain"),
	model.AnalysisTokenomics: allTiers("onchain", "tokenomics"),
	model.AnalysisTeam:       allTiers("team"),
	model.AnalysisRisk:       allTiers("onchain", "tokenomics"),
}

func allTiers(backends ...string) map[model.Tier][]string {
	return map[model.Tier][]string{
		model.TierFree:       backends,
		model.TierPro:        backends,
		model.TierEnterprise: backends,
	}
}

// tierBoost is added to a backend's base priority.
var tierBoost = map[model.Tier]int{
	model.TierFree:       0,
	model.TierPro:        1,
	model.TierEnterprise: 2,
}

// KnownAnalysisType reports whether t has a backend mapping.
func KnownAnalysisType(t model.AnalysisType) bool {
	_, ok := analysisBackends[t]
	return ok
}

// SelectBackends returns the backends an analysis type fans out to for tier.
func SelectBackends(t model.AnalysisType, tier model.Tier) ([]string, error) {
	byTier, ok := analysisBackends[t]
	if !ok {
		return nil, pkgerrors.Validation("unknown analysis type %q", t)
	}
	backends, ok := byTier[tier]
	if !ok {
		backends = byTier[model.TierFree]
	}
	return append([]string(nil), backends...), nil
}

// PlanEntry holds one backend's execution parameters for a single request.
// Entries are immutable once the plan is built.
type PlanEntry struct {
	Backend   string
	Endpoint  string
	Priority  int
	Timeout   time.Duration
	Retries   int
	DependsOn []string
	Required  bool
	Fallbacks []FallbackStrategy
	Payload   map[string]interface{}
	// ProjectID and Params key the per-backend response cache.
	ProjectID string
	Params    map[string]interface{}
}

// ExecutionPlan is a dependency-respecting, priority-ordered list of entries.
type ExecutionPlan struct {
	Entries  []*PlanEntry
	Policy   string
	FailFast bool
}

// Backends returns the entry names in plan order.
func (p *ExecutionPlan) Backends() []string {
	names := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		names[i] = e.Backend
	}
	return names
}

// ExecutionPlanner turns a request into an ExecutionPlan.
type ExecutionPlanner struct {
	backends map[string]*conf.Backend
	orch     *conf.Orchestrator
	registry *CircuitBreakerRegistry
	logger   *pkglog.LogHelper
}

// NewExecutionPlanner creates a planner and rejects a backend graph that contains a cycle.
func NewExecutionPlanner(c *conf.Gateway, registry *CircuitBreakerRegistry, logger log.Logger) (*ExecutionPlanner, error) {
	p := &ExecutionPlanner{
		backends: c.Backends,
		orch:     c.Orchestrator,
		registry: registry,
		logger:   pkglog.NewLogHelper(logger),
	}
	if p.orch == nil {
		p.orch = &conf.Orchestrator{AggregationPolicy: conf.AggregationBestEffort}
	}
	if err := p.ValidateGraph(); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidateGraph checks the full configured dependency graph for cycles.
func (p *ExecutionPlanner) ValidateGraph() error {
	entries := make([]*PlanEntry, 0, len(p.backends))
	for name, b := range p.backends {
		entries = append(entries, &PlanEntry{Backend: name, Priority: b.Priority, DependsOn: b.DependsOn})
	}
	_, err := TopologicalSort(entries)
	return err
}

// Plan builds the execution plan for req submitted by user.
func (p *ExecutionPlanner) Plan(req *model.AnalysisRequest, user *model.User) (*ExecutionPlan, error) {
	tier := model.TierFree
	if user != nil {
		tier = user.Tier
	}
	names, err := SelectBackends(req.AnalysisType, tier)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := p.backends[n]; ok {
			selected[n] = true
		}
	}
	if len(selected) == 0 {
		return nil, pkgerrors.Validation("no configured backend serves analysis type %q", req.AnalysisType)
	}

	entries := make([]*PlanEntry, 0, len(selected))
	for name := range selected {
		b := p.backends[name]

		// Edges to backends outside this plan are dropped.
		var deps []string
		for _, d := range b.DependsOn {
			if selected[d] {
				deps = append(deps, d)
			}
		}

		var fallbacks []FallbackStrategy
		if p.registry != nil {
			fallbacks = p.registry.Fallbacks(name)
		}

		entries = append(entries, &PlanEntry{
			Backend:   name,
			Endpoint:  strings.TrimRight(b.BaseURL, "/") + "/analyze",
			Priority:  b.Priority + tierBoost[tier],
			Timeout:   b.Timeout,
			Retries:   b.Retries,
			DependsOn: deps,
			Required:  b.Required,
			Fallbacks: fallbacks,
			Payload:   buildPayload(name, req, tier),
			ProjectID: req.ProjectID,
			Params:    req.Parameters,
		})
	}

	ordered, err := TopologicalSort(entries)
	if err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{
		Entries:  ordered,
		Policy:   p.orch.AggregationPolicy,
		FailFast: p.orch.FailFast,
	}
	p.logger.Orchestration("execution plan built",
		"project_id", req.ProjectID,
		"analysis_type", req.AnalysisType,
		"tier", tier,
		"backends", plan.Backends())
	return plan, nil
}

func buildPayload(backend string, req *model.AnalysisRequest, tier model.Tier) map[string]interface{} {
	payload := map[string]interface{}{
		"projectId":     req.ProjectID,
		"correlationId": req.CorrelationID,
		"analysisType":  string(req.AnalysisType),
		"tier":          string(tier),
		"service":       backend,
	}
	if len(req.Parameters) > 0 {
		params := make(map[string]interface{}, len(req.Parameters))
		for k, v := range req.Parameters {
			params[k] = v
		}
		payload["parameters"] = params
	}
	return payload
}

// TopologicalSort orders entries so every entry follows its dependencies.
// Among entries that are ready at the same time, higher priority comes
// first and ties break by name. A cycle is a DependencyCycle error.
func TopologicalSort(entries []*PlanEntry) ([]*PlanEntry, error) {
	byName := make(map[string]*PlanEntry, len(entries))
	for _, e := range entries {
		byName[e.Backend] = e
	}

	indegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string, len(entries))
	for _, e := range entries {
		indegree[e.Backend] += 0
		for _, d := range e.DependsOn {
			if _, ok := byName[d]; !ok {
				return nil, pkgerrors.Validation("backend %s depends on unknown backend %s", e.Backend, d)
			}
			indegree[e.Backend]++
			dependents[d] = append(dependents[d], e.Backend)
		}
	}

	// 同一层内按优先级降序，优先级相同按名称排序保证结果稳定
	less := func(a, b string) bool {
		pa, pb := byName[a].Priority, byName[b].Priority
		if pa != pb {
			return pa > pb
		}
		return a < b
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	// Kahn 算法；剩余入度不为 0 的节点说明存在环
	ordered := make([]*PlanEntry, 0, len(entries))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(entries) {
		return nil, pkgerrors.DependencyCycle(findCycle(byName, indegree))
	}
	return ordered, nil
}

// findCycle walks the unsorted remainder and returns one cycle as a path.
func findCycle(byName map[string]*PlanEntry, indegree map[string]int) []string {
	var remaining []string
	for name, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(remaining))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		deps := append([]string(nil), byName[name].DependsOn...)
		sort.Strings(deps)
		for _, d := range deps {
			switch state[d] {
			case visiting:
				for i, s := range stack {
					if s == d {
						cycle = append(append([]string(nil), stack[i:]...), d)
						return true
					}
				}
			case unvisited:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range remaining {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return remaining
}

// String renders a plan for logs.
func (p *ExecutionPlan) String() string {
	parts := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		parts[i] = fmt.Sprintf("%s(p=%d,deps=%v)", e.Backend, e.Priority, e.DependsOn)
	}
	return strings.Join(parts, " -> ")
}
