package biz

import (
	"context"
	"fmt"
)

// FallbackCall describes the backend call a fallback strategy stands in for.
type FallbackCall struct {
	Backend   string
	ProjectID string
	Params    map[string]interface{}
	// Cause is the error that triggered the fallback chain.
	Cause error
}

// FallbackStrategy is an alternative producer of a backend's result.
// Chains are tried in descending Priority order.
type FallbackStrategy interface {
	Name() string
	Priority() int
	CanExecute(ctx context.Context, call *FallbackCall) bool
	Execute(ctx context.Context, call *FallbackCall) (map[string]interface{}, error)
}

// CachedResponseFallback serves the last good response a backend returned
// for the same project and parameters.
type CachedResponseFallback struct {
	cache *AdaptiveCache
}

// NewCachedResponseFallback creates a CachedResponseFallback.
func NewCachedResponseFallback(cache *AdaptiveCache) *CachedResponseFallback {
	return &CachedResponseFallback{cache: cache}
}

func (f *CachedResponseFallback) Name() string  { return "cached_response" }
func (f *CachedResponseFallback) Priority() int { return 100 }

func (f *CachedResponseFallback) CanExecute(_ context.Context, call *FallbackCall) bool {
	return f.cache != nil && call.ProjectID != ""
}

func (f *CachedResponseFallback) Execute(ctx context.Context, call *FallbackCall) (map[string]interface{}, error) {
	data, ok := f.cache.GetBackendResponse(ctx, call.Backend, call.ProjectID, call.Params)
	if !ok {
		return nil, fmt.Errorf("no cached response for %s/%s", call.Backend, call.ProjectID)
	}
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["stale"] = true
	return out, nil
}

// StaticResponseFallback serves a fixed neutral payload per backend.
type StaticResponseFallback struct {
	payloads map[string]map[string]interface{}
}

// NewStaticResponseFallback creates a StaticResponseFallback. Backends without
// a payload are skipped by CanExecute.
func NewStaticResponseFallback(payloads map[string]map[string]interface{}) *StaticResponseFallback {
	return &StaticResponseFallback{payloads: payloads}
}

func (f *StaticResponseFallback) Name() string  { return "static_response" }
func (f *StaticResponseFallback) Priority() int { return 10 }

func (f *StaticResponseFallback) CanExecute(_ context.Context, call *FallbackCall) bool {
	return len(f.payloads[call.Backend]) > 0
}

func (f *StaticResponseFallback) Execute(_ context.Context, call *FallbackCall) (map[string]interface{}, error) {
	payload := f.payloads[call.Backend]
	if len(payload) == 0 {
		return nil, fmt.Errorf("no static payload for %s", call.Backend)
	}
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["static"] = true
	return out, nil
}
