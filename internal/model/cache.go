package model

import (
	"encoding/json"
	"time"
)

// HealthStatus is shared by the cache and queue health checks.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CacheEntry is the stored form of a cached value.
type CacheEntry struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"createdAt"`
	TTLMillis  int64           `json:"ttlMs"`
	Tags       []string        `json:"tags,omitempty"`
	Category   string          `json:"category,omitempty"`
}

// TTL returns the lifetime the entry was written with.
func (e *CacheEntry) TTL() time.Duration {
	return time.Duration(e.TTLMillis) * time.Millisecond
}

// Age returns how long ago the entry was written.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// CacheStats are the running counters of the adaptive cache.
type CacheStats struct {
	Hits             int64       `json:"hits"`
	Misses           int64       `json:"misses"`
	Sets             int64       `json:"sets"`
	Deletes          int64       `json:"deletes"`
	Errors           int64       `json:"errors"`
	EarlyExpirations int64       `json:"earlyExpirations"`
	HitRate          float64     `json:"hitRate"`
	AvgResponseMs    float64     `json:"avgResponseMs"`
	Warming          bool        `json:"warming"`
	LastWarmAt       *time.Time  `json:"lastWarmAt,omitempty"`
	LastWarm         *WarmReport `json:"lastWarm,omitempty"`
}

// CacheHealth is the result of a synthetic round trip against the store.
type CacheHealth struct {
	Status        HealthStatus `json:"status"`
	RoundTripMs   int64        `json:"roundTripMs"`
	HitRate       float64      `json:"hitRate"`
	AvgResponseMs float64      `json:"avgResponseMs"`
	Error         string       `json:"error,omitempty"`
	CheckedAt     time.Time    `json:"checkedAt"`
}

// CachePerformanceReport joins stats, health and tuning advice.
type CachePerformanceReport struct {
	Stats           CacheStats             `json:"stats"`
	Health          CacheHealth            `json:"health"`
	Categories      map[string]CacheTTLRow `json:"categories"`
	Recommendations []string               `json:"recommendations"`
}

// CacheTTLRow shows the TTL a category yields at representative confidences.
type CacheTTLRow struct {
	MinTTLSeconds int64 `json:"minTtl"`
	MaxTTLSeconds int64 `json:"maxTtl"`
	LowSeconds    int64 `json:"ttlAtConfidence30"`
	MediumSeconds int64 `json:"ttlAtConfidence70"`
	HighSeconds   int64 `json:"ttlAtConfidence95"`
}

// WarmReport summarises one warming cycle.
type WarmReport struct {
	Requested int       `json:"requested"`
	Warmed    int       `json:"warmed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"startedAt"`
	Duration  int64     `json:"durationMs"`
}
