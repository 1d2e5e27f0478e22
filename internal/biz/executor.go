package biz

import (
	"context"
	"errors"
	"sync"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"
	pkgerrors "ChainScope/pkg/errors"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

// resultSet is the shared result map of one plan execution.
type resultSet struct {
	mu      sync.Mutex
	results map[string]*model.ServiceResponse
}

func (r *resultSet) put(resp *model.ServiceResponse) {
	r.mu.Lock()
	r.results[resp.Backend] = resp
	r.mu.Unlock()
}

func (r *resultSet) get(backend string) *model.ServiceResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[backend]
}

// PlanExecutor runs an ExecutionPlan. Every entry runs in its own goroutine,
// waits for its dependencies to settle, then takes a limiter slot for the
// duration of the backend call.
type PlanExecutor struct {
	invoker *ServiceInvoker
	limiter *ConcurrencyLimiter
	logger  *pkglog.LogHelper
}

// NewPlanExecutor creates a PlanExecutor.
func NewPlanExecutor(invoker *ServiceInvoker, limiter *ConcurrencyLimiter, logger log.Logger) *PlanExecutor {
	return &PlanExecutor{
		invoker: invoker,
		limiter: limiter,
		logger:  pkglog.NewLogHelper(logger),
	}
}

// Execute runs every entry and returns once all of them have settled.
//
// Backend failures are recorded as responses. An error is returned only when
// a required backend fails and either the plan is fail-fast (remaining work
// is cancelled) or the policy is "all" (checked after everything settled).
func (x *PlanExecutor) Execute(ctx context.Context, plan *ExecutionPlan, meta CallMeta) (map[string]*model.ServiceResponse, error) {
	results := &resultSet{results: make(map[string]*model.ServiceResponse, len(plan.Entries))}

	done := make(map[string]chan struct{}, len(plan.Entries))
	for _, e := range plan.Entries {
		done[e.Backend] = make(chan struct{})
	}

	var g *errgroup.Group
	runCtx := ctx
	if plan.FailFast {
		g, runCtx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	for _, entry := range plan.Entries {
		entry := entry
		g.Go(func() error {
			defer close(done[entry.Backend])

			resp := x.run(runCtx, entry, done, results, meta)
			results.put(resp)

			if plan.FailFast && entry.Required && !resp.Succeeded() {
				x.logger.Orchestration("required backend failed, cancelling remaining work",
					"backend", entry.Backend,
					"status", string(resp.Status),
					"correlation_id", meta.CorrelationID)
				return pkgerrors.RequiredServiceFailed(entry.Backend, errors.New(resp.Error))
			}
			return nil
		})
	}

	err := g.Wait()
	out := results.results
	if err != nil {
		return out, err
	}

	if plan.Policy == conf.AggregationAll {
		for _, e := range plan.Entries {
			if r := out[e.Backend]; e.Required && !r.Succeeded() {
				return out, pkgerrors.RequiredServiceFailed(e.Backend, errors.New(r.Error))
			}
		}
	}
	return out, nil
}

func (x *PlanExecutor) run(ctx context.Context, entry *PlanEntry, done map[string]chan struct{}, results *resultSet, meta CallMeta) *model.ServiceResponse {
	// 等待所有依赖返回结果（成功或失败都算），不在计划内的依赖直接跳过
	for _, dep := range entry.DependsOn {
		ch, ok := done[dep]
		if !ok {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cancelled(entry.Backend, ctx.Err())
		}
	}

	payload := make(map[string]interface{}, len(entry.Payload)+1)
	for k, v := range entry.Payload {
		payload[k] = v
	}
	// 把上游成功结果透传给下游后端
	if len(entry.DependsOn) > 0 {
		upstream := make(map[string]interface{}, len(entry.DependsOn))
		for _, dep := range entry.DependsOn {
			if r := results.get(dep); r.Succeeded() {
				upstream[dep] = r.Data
			}
		}
		payload["dependencies"] = upstream
	}

	// 获取并发槽位，无论调用结果如何都会释放
	if err := x.limiter.Acquire(ctx); err != nil {
		return cancelled(entry.Backend, err)
	}
	defer x.limiter.Release()

	return x.invoker.Invoke(ctx, entry, payload, meta)
}

func cancelled(backend string, err error) *model.ServiceResponse {
	status := model.StatusError
	if errors.Is(err, context.DeadlineExceeded) {
		status = model.StatusTimeout
	}
	return &model.ServiceResponse{
		Backend: backend,
		Status:  status,
		Error:   "not started: " + err.Error(),
	}
}
