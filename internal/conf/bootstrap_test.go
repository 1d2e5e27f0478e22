package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath
}

func TestNewBootstrap_Defaults(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :8080
data:
  redis:
    addr: 127.0.0.1:6379
`)

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, "tcp", bc.Server.Http.Network)
	assert.Equal(t, 60*time.Second, bc.Server.Http.Timeout)
	assert.Equal(t, ":9000", bc.Server.Grpc.Addr)

	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout)
	assert.Empty(t, bc.Data.Database.Source)

	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)

	g := bc.Gateway
	assert.Equal(t, 10, g.Orchestrator.MaxConcurrency)
	assert.Equal(t, AggregationBestEffort, g.Orchestrator.AggregationPolicy)
	assert.Equal(t, 50.0, g.Breaker.ErrorThresholdPercentage)
	assert.Equal(t, 5, g.Breaker.MinimumNumberOfCalls)
	assert.Equal(t, 30*time.Second, g.Breaker.ResetTimeout)

	require.Len(t, g.Backends, 4)
	assert.Equal(t, []string{"onchain"}, g.Backends["tokenomics"].DependsOn)
	assert.Equal(t, "/health", g.Backends["team"].HealthPath)
	assert.Equal(t, 3, g.Backends["team"].Retries)

	assert.Equal(t, "chainscope", g.Cache.Prefix)
	assert.Contains(t, g.Cache.Categories, "default")
	assert.Equal(t, "analysis", g.Queue.Name)
	assert.Equal(t, 3, g.Queue.MaxAttempts)
}

func TestNewBootstrap_PartialSectionsKeepDefaults(t *testing.T) {
	configPath := writeConfig(t, `gateway:
  queue:
    name: jobs
  cache:
    warm:
      enabled: true
`)

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	g := bc.Gateway
	assert.Equal(t, "jobs", g.Queue.Name)
	assert.Equal(t, 4, g.Queue.Workers)
	assert.Equal(t, 3, g.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Minute, g.Queue.JobTimeout)
	require.NotNil(t, g.Queue.Monitor)
	assert.Equal(t, "0 * * * * *", g.Queue.Monitor.HealthSchedule)

	assert.Equal(t, 10, g.Orchestrator.MaxConcurrency)
	assert.Equal(t, 30*time.Second, g.Orchestrator.RequestTimeout)
	assert.Equal(t, 50.0, g.Breaker.ErrorThresholdPercentage)
	assert.Equal(t, 10*time.Second, g.Breaker.MaxRetryDelay)

	assert.True(t, g.Cache.Warm.Enabled)
	assert.Equal(t, "0 */15 * * * *", g.Cache.Warm.Schedule)
	assert.Equal(t, []string{"full"}, g.Cache.Warm.AnalysisTypes)
	assert.Equal(t, "chainscope", g.Cache.Prefix)

	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
}

func TestDefaultBootstrap_IsValid(t *testing.T) {
	bc := DefaultBootstrap()
	applyGatewayDefaults(bc)
	require.NoError(t, Validate(bc))
	assert.NotSame(t, DefaultBootstrap().Gateway.Queue, bc.Gateway.Queue)
}

func TestNewBootstrap_CustomBackends(t *testing.T) {
	configPath := writeConfig(t, `gateway:
  backends:
    sentiment:
      base_url: http://sentiment:9000
      timeout: 2s
      priority: 9
    scoring:
      base_url: http://scoring:9000
      depends_on: [sentiment]
      required: true
`)

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	require.Len(t, bc.Gateway.Backends, 2)
	s := bc.Gateway.Backends["sentiment"]
	assert.Equal(t, "http://sentiment:9000", s.BaseURL)
	assert.Equal(t, 2*time.Second, s.Timeout)
	assert.Equal(t, 9, s.Priority)

	sc := bc.Gateway.Backends["scoring"]
	assert.True(t, sc.Required)
	assert.Equal(t, []string{"sentiment"}, sc.DependsOn)
	assert.Equal(t, 5*time.Second, sc.Timeout)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		verify func(t *testing.T, bc *Bootstrap)
	}{
		{
			name: "override_http_addr",
			env:  map[string]string{"CHAINSCOPE_SERVER_HTTP_ADDR": ":9999"},
			verify: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, ":9999", bc.Server.Http.Addr)
			},
		},
		{
			name: "redis_addr_alias",
			env:  map[string]string{"REDIS_ADDR": "redis:6380"},
			verify: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, "redis:6380", bc.Data.Redis.Addr)
			},
		},
		{
			name: "mysql_dsn_alias",
			env:  map[string]string{"MYSQL_DSN": "user:pass@tcp(db:3306)/ops"},
			verify: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, "user:pass@tcp(db:3306)/ops", bc.Data.Database.Source)
			},
		},
		{
			name: "override_concurrency",
			env:  map[string]string{"CHAINSCOPE_GATEWAY_ORCHESTRATOR_MAX_CONCURRENCY": "25"},
			verify: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, 25, bc.Gateway.Orchestrator.MaxConcurrency)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			bc, err := NewBootstrap("")
			require.NoError(t, err)
			tt.verify(t, bc)
		})
	}
}

func TestNewBootstrap_MissingFile(t *testing.T) {
	_, err := NewBootstrap(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBootstrap_InvalidPolicy(t *testing.T) {
	configPath := writeConfig(t, `gateway:
  orchestrator:
    aggregation_policy: everything
`)

	_, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregation_policy")
}

func TestValidate_UnknownDependency(t *testing.T) {
	configPath := writeConfig(t, `gateway:
  backends:
    scoring:
      base_url: http://scoring:9000
      depends_on: [ghost]
`)

	_, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "ghost"`)
}

func TestValidate_ListsAllFields(t *testing.T) {
	bc := &Bootstrap{
		Data: &Data{Redis: &Data_Redis{}},
		Gateway: &Gateway{
			Orchestrator: &Orchestrator{AggregationPolicy: AggregationAll},
			Breaker:      &Breaker{},
			Backends:     map[string]*Backend{"x": {}},
			Cache:        &Cache{Categories: DefaultCacheCategories()},
			Queue:        &Queue{},
		},
	}

	err := Validate(bc)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "data.redis.addr")
	assert.Contains(t, msg, "max_concurrency")
	assert.Contains(t, msg, "error_threshold_percentage")
	assert.Contains(t, msg, "gateway.backends.x.base_url")
	assert.Contains(t, msg, "gateway.queue.workers")
}
