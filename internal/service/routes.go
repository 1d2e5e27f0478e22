package service

import (
	"context"
	nethttp "net/http"

	"github.com/go-kratos/kratos/v2/transport/http"
)

// Operation names reported by transport.FromServerContext.
const (
	OperationAnalysisAnalyze        = "/chainscope.v1.Analysis/Analyze"
	OperationAnalysisSubmitAnalysis = "/chainscope.v1.Analysis/SubmitAnalysis"
	OperationAnalysisGetJob         = "/chainscope.v1.Analysis/GetJob"

	OperationOpsListBreakers    = "/chainscope.v1.Ops/ListBreakers"
	OperationOpsGetBreaker      = "/chainscope.v1.Ops/GetBreaker"
	OperationOpsForceBreaker    = "/chainscope.v1.Ops/ForceBreaker"
	OperationOpsResetBreaker    = "/chainscope.v1.Ops/ResetBreaker"
	OperationOpsQueueMetrics    = "/chainscope.v1.Ops/QueueMetrics"
	OperationOpsQueueHealth     = "/chainscope.v1.Ops/QueueHealth"
	OperationOpsQueueStats      = "/chainscope.v1.Ops/QueueStats"
	OperationOpsPauseQueue      = "/chainscope.v1.Ops/PauseQueue"
	OperationOpsResumeQueue     = "/chainscope.v1.Ops/ResumeQueue"
	OperationOpsCleanQueue      = "/chainscope.v1.Ops/CleanQueue"
	OperationOpsListDeadLetters = "/chainscope.v1.Ops/ListDeadLetters"
	OperationOpsRetryDeadLetter = "/chainscope.v1.Ops/RetryDeadLetter"
	OperationOpsCacheStats      = "/chainscope.v1.Ops/CacheStats"
	OperationOpsCacheHealth     = "/chainscope.v1.Ops/CacheHealth"
	OperationOpsCacheReport     = "/chainscope.v1.Ops/CacheReport"
	OperationOpsInvalidateCache = "/chainscope.v1.Ops/InvalidateCache"
	OperationOpsWarmCache       = "/chainscope.v1.Ops/WarmCache"
	OperationOpsBackendHealth   = "/chainscope.v1.Ops/BackendHealth"
)

// binding selects which parts of the request populate the input.
type binding int

const (
	bindNone binding = iota
	bindBody
	bindVars
	bindVarsAndBody
)

// RegisterAnalysisHTTPServer mounts the analysis routes on s.
func RegisterAnalysisHTTPServer(s *http.Server, srv *AnalysisService) {
	r := s.Route("/")
	r.POST("/v1/analysis", _Analysis_Analyze0_HTTP_Handler(srv))
	r.POST("/v1/analysis/jobs", handler(OperationAnalysisSubmitAnalysis, bindBody, nethttp.StatusAccepted, srv.SubmitAnalysis))
	r.GET("/v1/analysis/jobs/{id}", handler(OperationAnalysisGetJob, bindVars, nethttp.StatusOK, srv.GetJob))
}

// RegisterOpsHTTPServer mounts the operator routes on s.
func RegisterOpsHTTPServer(s *http.Server, srv *OpsService) {
	r := s.Route("/v1/ops")
	r.GET("/breakers", handler(OperationOpsListBreakers, bindNone, nethttp.StatusOK, srv.ListBreakers))
	r.GET("/breakers/{backend}", handler(OperationOpsGetBreaker, bindVars, nethttp.StatusOK, srv.GetBreaker))
	r.POST("/breakers/{backend}/force", handler(OperationOpsForceBreaker, bindVarsAndBody, nethttp.StatusOK, srv.ForceBreaker))
	r.POST("/breakers/{backend}/reset", handler(OperationOpsResetBreaker, bindVars, nethttp.StatusOK, srv.ResetBreaker))

	r.GET("/queue/metrics", handler(OperationOpsQueueMetrics, bindNone, nethttp.StatusOK, srv.QueueMetrics))
	r.GET("/queue/health", handler(OperationOpsQueueHealth, bindNone, nethttp.StatusOK, srv.QueueHealth))
	r.GET("/queue/stats", handler(OperationOpsQueueStats, bindNone, nethttp.StatusOK, srv.QueueStats))
	r.POST("/queue/pause", handler(OperationOpsPauseQueue, bindNone, nethttp.StatusOK, srv.PauseQueue))
	r.POST("/queue/resume", handler(OperationOpsResumeQueue, bindNone, nethttp.StatusOK, srv.ResumeQueue))
	r.POST("/queue/clean", handler(OperationOpsCleanQueue, bindNone, nethttp.StatusOK, srv.CleanQueue))
	r.GET("/queue/dead-letters", handler(OperationOpsListDeadLetters, bindNone, nethttp.StatusOK, srv.ListDeadLetters))
	r.POST("/queue/dead-letters/{id}/retry", handler(OperationOpsRetryDeadLetter, bindVars, nethttp.StatusAccepted, srv.RetryDeadLetter))

	r.GET("/cache/stats", handler(OperationOpsCacheStats, bindNone, nethttp.StatusOK, srv.CacheStats))
	r.GET("/cache/health", handler(OperationOpsCacheHealth, bindNone, nethttp.StatusOK, srv.CacheHealth))
	r.GET("/cache/report", handler(OperationOpsCacheReport, bindNone, nethttp.StatusOK, srv.CacheReport))
	r.POST("/cache/invalidate", handler(OperationOpsInvalidateCache, bindBody, nethttp.StatusOK, srv.InvalidateCache))
	r.POST("/cache/warm", handler(OperationOpsWarmCache, bindNone, nethttp.StatusAccepted, srv.WarmCache))

	r.GET("/backends/health", handler(OperationOpsBackendHealth, bindNone, nethttp.StatusOK, srv.BackendHealth))
}

// _Analysis_Analyze0_HTTP_Handler answers 202 instead of 200 when the
// request was diverted to the queue.
func _Analysis_Analyze0_HTTP_Handler(srv *AnalysisService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in AnalyzeRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationAnalysisAnalyze)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.Analyze(ctx, req.(*AnalyzeRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		reply := out.(*AnalyzeReply)
		if reply.Job != nil {
			return ctx.Result(nethttp.StatusAccepted, reply)
		}
		return ctx.Result(nethttp.StatusOK, reply)
	}
}

// handler builds a route handler that binds In, runs call through the
// server middleware chain and renders the reply with code.
func handler[In, Out any](operation string, b binding, code int, call func(context.Context, *In) (*Out, error)) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in In
		if b == bindBody || b == bindVarsAndBody {
			if err := ctx.Bind(&in); err != nil {
				return err
			}
		}
		if b == bindVars || b == bindVarsAndBody {
			if err := ctx.BindVars(&in); err != nil {
				return err
			}
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(*In))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(code, out.(*Out))
	}
}
