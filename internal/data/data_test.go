package data

import (
	"context"
	"testing"
	"time"

	"ChainScope/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestNewData_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	c := &conf.Data{
		Redis: &conf.Data_Redis{
			Addr:         mr.Addr(),
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		},
	}
	logger := log.DefaultLogger

	rdb, redisCleanup, err := NewRedisClient(c, logger)
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer redisCleanup()

	data, cleanup, err := NewData(c, logger, rdb)
	require.NoError(t, err)
	require.NotNil(t, data)
	defer cleanup()

	assert.NotNil(t, data.GetRedisClient())
	assert.NoError(t, data.Ping(context.Background()))
}

func TestNewData_WithoutRedis(t *testing.T) {
	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, nil)
	require.NoError(t, err)
	require.NotNil(t, data)
	defer cleanup()

	assert.Nil(t, data.GetRedisClient())
	assert.Error(t, data.Ping(context.Background()))
}

func TestData_PingAfterRedisStops(t *testing.T) {
	rdb, mr := setupTestRedis(t)

	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, rdb)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, data.Ping(context.Background()))

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, data.Ping(ctx))
}
