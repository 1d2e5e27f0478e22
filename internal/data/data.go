// Package data provides data access layer implementations.
// It owns the Redis and MySQL connections and the backend HTTP clients.
package data

import (
	"context"
	"fmt"

	"ChainScope/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
)

// Data contains the shared data layer dependencies.
type Data struct {
	redisClient *redis.Client
	logger      *log.Helper
}

// NewData creates a new Data instance.
// Redis connection failure does not prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, cache and queue will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
		logger:      helper,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// Ping checks the Redis connection. It backs the gRPC health status.
func (d *Data) Ping(ctx context.Context) error {
	if d.redisClient == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := d.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
