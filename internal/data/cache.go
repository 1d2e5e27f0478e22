package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// CacheStore implements biz.CacheStore on Redis. Entries are JSON strings
// with a native TTL; each tag is a set of keys at {prefix}:tag:{tag}.
type CacheStore struct {
	rdb    *redis.Client
	prefix string
	maxTTL time.Duration
	logger *log.Helper
}

// NewCacheStore creates a Redis-backed cache store.
func NewCacheStore(c *conf.Gateway, rdb *redis.Client, logger log.Logger) *CacheStore {
	prefix, maxTTL := "chainscope", 24*time.Hour
	if c != nil && c.Cache != nil {
		if c.Cache.Prefix != "" {
			prefix = c.Cache.Prefix
		}
		if c.Cache.MaxTTL > 0 {
			maxTTL = c.Cache.MaxTTL
		}
	}
	return &CacheStore{
		rdb:    rdb,
		prefix: prefix,
		maxTTL: maxTTL,
		logger: log.NewHelper(logger),
	}
}

// BuildCacheKey joins a prefix and parts with ":".
//   - BuildCacheKey("chainscope", "tag", "project:btc") -> "chainscope:tag:project:btc"
func BuildCacheKey(prefix string, parts ...string) string {
	key := prefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

func (s *CacheStore) tagKey(tag string) string {
	return BuildCacheKey(s.prefix, "tag", tag)
}

// Get returns nil, nil when key does not exist.
func (s *CacheStore) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	if s.rdb == nil {
		return nil, errors.New("cache: redis client is nil")
	}

	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}
	return &entry, nil
}

// Set stores entry with ttl and adds key to the set of each of its tags.
func (s *CacheStore) Set(ctx context.Context, key string, entry *model.CacheEntry, ttl time.Duration) error {
	if s.rdb == nil {
		return errors.New("cache: redis client is nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		for _, tag := range entry.Tags {
			tk := s.tagKey(tag)
			pipe.SAdd(ctx, tk, key)
			// Tag sets outlive every member; stale members are tolerated by Delete.
			pipe.Expire(ctx, tk, s.maxTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes keys and returns how many existed.
func (s *CacheStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if s.rdb == nil {
		return 0, errors.New("cache: redis client is nil")
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: failed to delete %d keys: %w", len(keys), err)
	}
	return n, nil
}

// KeysByTag returns the keys registered under tag.
func (s *CacheStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	if s.rdb == nil {
		return nil, errors.New("cache: redis client is nil")
	}

	keys, err := s.rdb.SMembers(ctx, s.tagKey(tag)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: failed to read tag %s: %w", tag, err)
	}
	return keys, nil
}

// DeleteTag removes the tag set itself.
func (s *CacheStore) DeleteTag(ctx context.Context, tag string) error {
	if s.rdb == nil {
		return errors.New("cache: redis client is nil")
	}
	if err := s.rdb.Del(ctx, s.tagKey(tag)).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete tag %s: %w", tag, err)
	}
	return nil
}

// Scan returns every key matching pattern using SCAN.
func (s *CacheStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if s.rdb == nil {
		return nil, errors.New("cache: redis client is nil")
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("cache: failed to scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
