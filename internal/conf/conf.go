package conf

import "time"

// Bootstrap is the root configuration of the ChainScope gateway.
type Bootstrap struct {
	Server  *Server  `mapstructure:"server"`
	Data    *Data    `mapstructure:"data"`
	Log     *Log     `mapstructure:"log"`
	Gateway *Gateway `mapstructure:"gateway"`
}

// Server holds transport settings.
type Server struct {
	Http *Server_HTTP `mapstructure:"http"`
	Grpc *Server_GRPC `mapstructure:"grpc"`
}

// Server_HTTP is the HTTP listener configuration.
type Server_HTTP struct {
	Network string        `mapstructure:"network"`
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Server_GRPC is the gRPC listener configuration (health service only).
type Server_GRPC struct {
	Network string        `mapstructure:"network"`
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Data holds external store settings.
type Data struct {
	Database *Data_Database `mapstructure:"database"`
	Redis    *Data_Redis    `mapstructure:"redis"`
}

// Data_Database configures the optional MySQL ops audit store.
// An empty Source disables the audit trail.
type Data_Database struct {
	Driver string `mapstructure:"driver"`
	Source string `mapstructure:"source"`
}

// Data_Redis configures the cache / queue store.
type Data_Redis struct {
	Network      string        `mapstructure:"network"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Log configures the zap logger.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Env        string `mapstructure:"env"`
	OutputFile string `mapstructure:"output_file"`
}

// Gateway groups the orchestration engine settings.
type Gateway struct {
	Orchestrator *Orchestrator       `mapstructure:"orchestrator"`
	Breaker      *Breaker            `mapstructure:"breaker"`
	Backends     map[string]*Backend `mapstructure:"backends"`
	Cache        *Cache              `mapstructure:"cache"`
	Queue        *Queue              `mapstructure:"queue"`
}

// Orchestrator configures request fan-out.
type Orchestrator struct {
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	AggregationPolicy     string        `mapstructure:"aggregation_policy"`
	FailFast              bool          `mapstructure:"fail_fast"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	QueueWhenWaitingAbove int           `mapstructure:"queue_when_waiting_above"`
	HealthCheckTimeout    time.Duration `mapstructure:"health_check_timeout"`
}

// Breaker configures every per-backend circuit breaker.
type Breaker struct {
	ErrorThresholdPercentage float64       `mapstructure:"error_threshold_percentage"`
	MinimumNumberOfCalls     int           `mapstructure:"minimum_number_of_calls"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	SlidingWindowSize        time.Duration `mapstructure:"sliding_window_size"`
	HistoryLimit             int           `mapstructure:"history_limit"`
	MaxRetries               int           `mapstructure:"max_retries"`
	RetryDelay               time.Duration `mapstructure:"retry_delay"`
	RetryMultiplier          float64       `mapstructure:"retry_multiplier"`
	MaxRetryDelay            time.Duration `mapstructure:"max_retry_delay"`
}

// Backend describes one analysis backend.
type Backend struct {
	BaseURL    string        `mapstructure:"base_url"`
	HealthPath string        `mapstructure:"health_path"`
	ProxyURL   string        `mapstructure:"proxy_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	Priority   int           `mapstructure:"priority"`
	Required   bool          `mapstructure:"required"`
	DependsOn  []string      `mapstructure:"depends_on"`
	// StaticFallback is served when every other producer failed; empty disables it.
	StaticFallback map[string]interface{} `mapstructure:"static_fallback"`
}

// Cache configures the adaptive cache.
type Cache struct {
	Prefix        string                    `mapstructure:"prefix"`
	SchemaVersion string                    `mapstructure:"schema_version"`
	MaxTTL        time.Duration             `mapstructure:"max_ttl"`
	Categories    map[string]*CacheCategory `mapstructure:"categories"`
	Warm          *CacheWarm                `mapstructure:"warm"`
}

// CacheCategory is the confidence-weighted TTL policy of one category.
type CacheCategory struct {
	BaseTTL              time.Duration `mapstructure:"base_ttl"`
	MinTTL               time.Duration `mapstructure:"min_ttl"`
	MaxTTL               time.Duration `mapstructure:"max_ttl"`
	ConfidenceMultiplier float64       `mapstructure:"confidence_multiplier"`
}

// CacheWarm configures proactive cache population.
type CacheWarm struct {
	Enabled             bool     `mapstructure:"enabled"`
	Schedule            string   `mapstructure:"schedule"`
	Identifiers         []string `mapstructure:"identifiers"`
	AnalysisTypes       []string `mapstructure:"analysis_types"`
	MaxRequestsPerCycle int      `mapstructure:"max_requests_per_cycle"`
	RequestsPerSecond   float64  `mapstructure:"requests_per_second"`
}

// Queue configures the priority job queue.
type Queue struct {
	Name                 string        `mapstructure:"name"`
	Workers              int           `mapstructure:"workers"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffDelay         time.Duration `mapstructure:"backoff_delay"`
	DeadLetterMaxRetries int           `mapstructure:"dead_letter_max_retries"`
	LongQueueThreshold   int64         `mapstructure:"long_queue_threshold"`
	HeavyUserThreshold   int           `mapstructure:"heavy_user_threshold"`
	HeavyUserWindow      time.Duration `mapstructure:"heavy_user_window"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	StuckTimeout         time.Duration `mapstructure:"stuck_timeout"`
	Retention            time.Duration `mapstructure:"retention"`
	Monitor              *QueueMonitor `mapstructure:"monitor"`
}

// QueueMonitor configures the periodic queue monitors.
type QueueMonitor struct {
	MetricsSchedule   string        `mapstructure:"metrics_schedule"`
	HealthSchedule    string        `mapstructure:"health_schedule"`
	CleanupSchedule   string        `mapstructure:"cleanup_schedule"`
	MaxQueueLength    int64         `mapstructure:"max_queue_length"`
	MaxErrorRate      float64       `mapstructure:"max_error_rate"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
}
