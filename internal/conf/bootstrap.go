// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Aggregation policies accepted by gateway.orchestrator.aggregation_policy.
const (
	AggregationAll        = "all"
	AggregationPartial    = "partial"
	AggregationBestEffort = "best_effort"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with CHAINSCOPE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Backends and cache categories fall back to the built-in set when the config
// file does not declare any.
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	bc := DefaultBootstrap()
	setDefaults(v, bc)

	v.SetEnvPrefix("CHAINSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "CHAINSCOPE_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.password", "REDIS_PASSWORD", "CHAINSCOPE_DATA_REDIS_PASSWORD")
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "CHAINSCOPE_DATA_DATABASE_SOURCE")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// 解码覆盖到完整的默认结构上：文件只写了一部分字段的 section 不会丢失其余默认值
	if err := v.Unmarshal(bc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	applyGatewayDefaults(bc)

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// DefaultBootstrap returns a Bootstrap with every scalar section populated.
// Map-shaped sections (backends, cache categories) are left empty and filled
// by applyGatewayDefaults so that a configured set replaces the built-in one.
func DefaultBootstrap() *Bootstrap {
	return &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{Network: "tcp", Addr: ":8080", Timeout: 60 * time.Second},
			Grpc: &Server_GRPC{Network: "tcp", Addr: ":9000", Timeout: 5 * time.Second},
		},
		Data: &Data{
			Database: &Data_Database{Driver: "mysql"},
			Redis: &Data_Redis{
				Network:      "tcp",
				Addr:         "127.0.0.1:6379",
				ReadTimeout:  200 * time.Millisecond,
				WriteTimeout: 200 * time.Millisecond,
			},
		},
		Log: &Log{Level: "info", Format: "json"},
		Gateway: &Gateway{
			Orchestrator: &Orchestrator{
				MaxConcurrency:        10,
				AggregationPolicy:     AggregationBestEffort,
				RequestTimeout:        30 * time.Second,
				QueueWhenWaitingAbove: 50,
				HealthCheckTimeout:    2 * time.Second,
			},
			Breaker: &Breaker{
				ErrorThresholdPercentage: 50,
				MinimumNumberOfCalls:     5,
				ResetTimeout:             30 * time.Second,
				SlidingWindowSize:        60 * time.Second,
				HistoryLimit:             100,
				MaxRetries:               3,
				RetryDelay:               time.Second,
				RetryMultiplier:          2,
				MaxRetryDelay:            10 * time.Second,
			},
			Cache: &Cache{
				Prefix:        "chainscope",
				SchemaVersion: "v1",
				MaxTTL:        24 * time.Hour,
				Warm: &CacheWarm{
					Schedule:            "0 */15 * * * *",
					MaxRequestsPerCycle: 20,
					RequestsPerSecond:   2,
				},
			},
			Queue: &Queue{
				Name:                 "analysis",
				Workers:              4,
				PollInterval:         500 * time.Millisecond,
				MaxAttempts:          3,
				BackoffDelay:         2 * time.Second,
				DeadLetterMaxRetries: 3,
				LongQueueThreshold:   1000,
				HeavyUserThreshold:   100,
				HeavyUserWindow:      time.Hour,
				JobTimeout:           2 * time.Minute,
				StuckTimeout:         10 * time.Minute,
				Retention:            24 * time.Hour,
				Monitor: &QueueMonitor{
					MetricsSchedule:   "*/30 * * * * *",
					HealthSchedule:    "0 * * * * *",
					CleanupSchedule:   "0 0 * * * *",
					MaxQueueLength:    5000,
					MaxErrorRate:      0.1,
					MaxProcessingTime: 30 * time.Second,
				},
			},
		},
	}
}

// setDefaults registers every default key with viper so that AutomaticEnv
// can resolve CHAINSCOPE_* overrides for keys the config file omits.
func setDefaults(v *viper.Viper, d *Bootstrap) {
	// Server defaults
	v.SetDefault("server.http.network", d.Server.Http.Network)
	v.SetDefault("server.http.addr", d.Server.Http.Addr)
	v.SetDefault("server.http.timeout", d.Server.Http.Timeout)

	v.SetDefault("server.grpc.network", d.Server.Grpc.Network)
	v.SetDefault("server.grpc.addr", d.Server.Grpc.Addr)
	v.SetDefault("server.grpc.timeout", d.Server.Grpc.Timeout)

	// Data defaults
	v.SetDefault("data.database.driver", d.Data.Database.Driver)
	v.SetDefault("data.database.source", d.Data.Database.Source)

	r := d.Data.Redis
	v.SetDefault("data.redis.network", r.Network)
	v.SetDefault("data.redis.addr", r.Addr)
	v.SetDefault("data.redis.password", r.Password)
	v.SetDefault("data.redis.db", r.DB)
	v.SetDefault("data.redis.read_timeout", r.ReadTimeout)
	v.SetDefault("data.redis.write_timeout", r.WriteTimeout)

	// Log defaults
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.env", d.Log.Env)
	v.SetDefault("log.output_file", d.Log.OutputFile)

	// Orchestrator defaults
	o := d.Gateway.Orchestrator
	v.SetDefault("gateway.orchestrator.max_concurrency", o.MaxConcurrency)
	v.SetDefault("gateway.orchestrator.aggregation_policy", o.AggregationPolicy)
	v.SetDefault("gateway.orchestrator.fail_fast", o.FailFast)
	v.SetDefault("gateway.orchestrator.request_timeout", o.RequestTimeout)
	v.SetDefault("gateway.orchestrator.queue_when_waiting_above", o.QueueWhenWaitingAbove)
	v.SetDefault("gateway.orchestrator.health_check_timeout", o.HealthCheckTimeout)

	// Breaker defaults
	b := d.Gateway.Breaker
	v.SetDefault("gateway.breaker.error_threshold_percentage", b.ErrorThresholdPercentage)
	v.SetDefault("gateway.breaker.minimum_number_of_calls", b.MinimumNumberOfCalls)
	v.SetDefault("gateway.breaker.reset_timeout", b.ResetTimeout)
	v.SetDefault("gateway.breaker.sliding_window_size", b.SlidingWindowSize)
	v.SetDefault("gateway.breaker.history_limit", b.HistoryLimit)
	v.SetDefault("gateway.breaker.max_retries", b.MaxRetries)
	v.SetDefault("gateway.breaker.retry_delay", b.RetryDelay)
	v.SetDefault("gateway.breaker.retry_multiplier", b.RetryMultiplier)
	v.SetDefault("gateway.breaker.max_retry_delay", b.MaxRetryDelay)

	// Cache defaults
	c := d.Gateway.Cache
	v.SetDefault("gateway.cache.prefix", c.Prefix)
	v.SetDefault("gateway.cache.schema_version", c.SchemaVersion)
	v.SetDefault("gateway.cache.max_ttl", c.MaxTTL)
	v.SetDefault("gateway.cache.warm.enabled", c.Warm.Enabled)
	v.SetDefault("gateway.cache.warm.schedule", c.Warm.Schedule)
	v.SetDefault("gateway.cache.warm.max_requests_per_cycle", c.Warm.MaxRequestsPerCycle)
	v.SetDefault("gateway.cache.warm.requests_per_second", c.Warm.RequestsPerSecond)

	// Queue defaults
	q := d.Gateway.Queue
	v.SetDefault("gateway.queue.name", q.Name)
	v.SetDefault("gateway.queue.workers", q.Workers)
	v.SetDefault("gateway.queue.poll_interval", q.PollInterval)
	v.SetDefault("gateway.queue.max_attempts", q.MaxAttempts)
	v.SetDefault("gateway.queue.backoff_delay", q.BackoffDelay)
	v.SetDefault("gateway.queue.dead_letter_max_retries", q.DeadLetterMaxRetries)
	v.SetDefault("gateway.queue.long_queue_threshold", q.LongQueueThreshold)
	v.SetDefault("gateway.queue.heavy_user_threshold", q.HeavyUserThreshold)
	v.SetDefault("gateway.queue.heavy_user_window", q.HeavyUserWindow)
	v.SetDefault("gateway.queue.job_timeout", q.JobTimeout)
	v.SetDefault("gateway.queue.stuck_timeout", q.StuckTimeout)
	v.SetDefault("gateway.queue.retention", q.Retention)
	v.SetDefault("gateway.queue.monitor.metrics_schedule", q.Monitor.MetricsSchedule)
	v.SetDefault("gateway.queue.monitor.health_schedule", q.Monitor.HealthSchedule)
	v.SetDefault("gateway.queue.monitor.cleanup_schedule", q.Monitor.CleanupSchedule)
	v.SetDefault("gateway.queue.monitor.max_queue_length", q.Monitor.MaxQueueLength)
	v.SetDefault("gateway.queue.monitor.max_error_rate", q.Monitor.MaxErrorRate)
	v.SetDefault("gateway.queue.monitor.max_processing_time", q.Monitor.MaxProcessingTime)
}

// DefaultBackends returns the built-in backend set used when none is configured.
func DefaultBackends() map[string]*Backend {
	return map[string]*Backend{
		"sentiment": {
			BaseURL:  "http://127.0.0.1:8101",
			Priority: 6,
			Required: false,
		},
		"onchain": {
			BaseURL:  "http://127.0.0.1:8102",
			Priority: 8,
			Required: true,
		},
		"tokenomics": {
			BaseURL:   "http://127.0.0.1:8103",
			Priority:  7,
			Required:  false,
			DependsOn: []string{"onchain"},
		},
		"team": {
			BaseURL:  "http://127.0.0.1:8104",
			Priority: 4,
			Required: false,
		},
	}
}

// DefaultCacheCategories returns the built-in TTL policies.
// The "default" category covers aggregated analysis results.
func DefaultCacheCategories() map[string]*CacheCategory {
	return map[string]*CacheCategory{
		"default":    {BaseTTL: 10 * time.Minute, MinTTL: time.Minute, MaxTTL: time.Hour, ConfidenceMultiplier: 1.5},
		"sentiment":  {BaseTTL: 5 * time.Minute, MinTTL: 30 * time.Second, MaxTTL: 30 * time.Minute, ConfidenceMultiplier: 1.2},
		"onchain":    {BaseTTL: 15 * time.Minute, MinTTL: 2 * time.Minute, MaxTTL: 2 * time.Hour, ConfidenceMultiplier: 1.5},
		"tokenomics": {BaseTTL: time.Hour, MinTTL: 5 * time.Minute, MaxTTL: 12 * time.Hour, ConfidenceMultiplier: 2},
		"team":       {BaseTTL: 6 * time.Hour, MinTTL: 10 * time.Minute, MaxTTL: 24 * time.Hour, ConfidenceMultiplier: 2},
	}
}

// applyGatewayDefaults fills the map-shaped sections viper cannot default.
func applyGatewayDefaults(bc *Bootstrap) {
	if bc.Gateway == nil {
		bc.Gateway = &Gateway{}
	}
	g := bc.Gateway

	if len(g.Backends) == 0 {
		g.Backends = DefaultBackends()
	}
	for _, b := range g.Backends {
		if b == nil {
			continue
		}
		if b.HealthPath == "" {
			b.HealthPath = "/health"
		}
		if b.Timeout <= 0 {
			b.Timeout = 5 * time.Second
		}
		if b.Retries <= 0 && g.Breaker != nil {
			b.Retries = g.Breaker.MaxRetries
		}
		if b.Priority <= 0 {
			b.Priority = 5
		}
	}

	if g.Cache == nil {
		g.Cache = &Cache{}
	}
	if len(g.Cache.Categories) == 0 {
		g.Cache.Categories = DefaultCacheCategories()
	}
	if g.Cache.Warm == nil {
		g.Cache.Warm = DefaultBootstrap().Gateway.Cache.Warm
	}
	if len(g.Cache.Warm.AnalysisTypes) == 0 {
		g.Cache.Warm.AnalysisTypes = []string{"full"}
	}
	if _, ok := g.Cache.Categories["default"]; !ok {
		g.Cache.Categories["default"] = DefaultCacheCategories()["default"]
	}
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all invalid fields.
func Validate(bc *Bootstrap) error {
	var invalid []string

	if bc.Data == nil || bc.Data.Redis == nil || bc.Data.Redis.Addr == "" {
		invalid = append(invalid, "data.redis.addr (REDIS_ADDR)")
	}

	g := bc.Gateway
	if g == nil {
		invalid = append(invalid, "gateway")
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}

	if g.Orchestrator == nil || g.Orchestrator.MaxConcurrency <= 0 {
		invalid = append(invalid, "gateway.orchestrator.max_concurrency (must be > 0)")
	}
	if g.Orchestrator != nil {
		switch g.Orchestrator.AggregationPolicy {
		case AggregationAll, AggregationPartial, AggregationBestEffort:
		default:
			invalid = append(invalid, fmt.Sprintf("gateway.orchestrator.aggregation_policy (unknown %q)", g.Orchestrator.AggregationPolicy))
		}
	}

	if g.Breaker == nil || g.Breaker.ErrorThresholdPercentage <= 0 || g.Breaker.ErrorThresholdPercentage > 100 {
		invalid = append(invalid, "gateway.breaker.error_threshold_percentage (must be in (0,100])")
	}
	if g.Breaker != nil && g.Breaker.MinimumNumberOfCalls <= 0 {
		invalid = append(invalid, "gateway.breaker.minimum_number_of_calls (must be > 0)")
	}

	names := make([]string, 0, len(g.Backends))
	for name := range g.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := g.Backends[name]
		if b == nil || b.BaseURL == "" {
			invalid = append(invalid, fmt.Sprintf("gateway.backends.%s.base_url", name))
			continue
		}
		for _, dep := range b.DependsOn {
			if _, ok := g.Backends[dep]; !ok {
				invalid = append(invalid, fmt.Sprintf("gateway.backends.%s.depends_on (unknown backend %q)", name, dep))
			}
		}
	}

	for name, c := range g.Cache.Categories {
		if c == nil || c.MinTTL <= 0 || c.MaxTTL < c.MinTTL {
			invalid = append(invalid, fmt.Sprintf("gateway.cache.categories.%s (need 0 < min_ttl <= max_ttl)", name))
		}
	}

	if g.Queue == nil || g.Queue.Workers <= 0 || g.Queue.MaxAttempts <= 0 {
		invalid = append(invalid, "gateway.queue.workers / max_attempts (must be > 0)")
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}

	return nil
}
