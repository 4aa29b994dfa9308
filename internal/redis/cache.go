package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"relay-chat/internal/cache"
	"relay-chat/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

const (
	scanCount         = 100
	scanMaxIterations = 1000
	tagKeyPrefix      = "tag:"
)

// CacheStore is the Redis backed cache.Store. Every key is namespaced with
// prefix so several deployments can share one Redis. It also implements
// cache.Tagger with one Redis set per tag.
type CacheStore struct {
	client *goredis.Client
	prefix string
	log    *logger.Logger
}

// NewCacheStore creates a cache store. prefix may be empty.
func NewCacheStore(client *goredis.Client, prefix string, log *logger.Logger) *CacheStore {
	return &CacheStore{
		client: client,
		prefix: prefix,
		log:    logger.OrNop(log),
	}
}

var (
	_ cache.Store  = (*CacheStore)(nil)
	_ cache.Tagger = (*CacheStore)(nil)
)

func (c *CacheStore) key(k string) string {
	return c.prefix + k
}

func (c *CacheStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CacheStore) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

func (c *CacheStore) Forget(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Del(ctx, c.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Scan walks the keyspace with SCAN, never KEYS, and gives up after a fixed
// number of iterations.
func (c *CacheStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := c.key(prefix) + "*"
	var (
		keys       []string
		cursor     uint64
		iterations int
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, c.prefix))
		}
		cursor = next
		iterations++
		if cursor == 0 {
			break
		}
		if iterations >= scanMaxIterations {
			c.log.Warnw("cache scan exceeded max iterations",
				"pattern", pattern,
				"iterations", iterations,
				"keys_found", len(keys),
			)
			break
		}
	}
	return keys, nil
}

func (c *CacheStore) tagKey(tag string) string {
	return c.key(tagKeyPrefix + tag)
}

// PutTagged stores value and records key under every tag. Tag sets live as
// long as their newest member.
func (c *CacheStore) PutTagged(ctx context.Context, tags []string, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	full := c.key(key)
	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, full, data, ttl)
		for _, tag := range tags {
			tk := c.tagKey(tag)
			pipe.SAdd(ctx, tk, full)
			if ttl > 0 {
				pipe.Expire(ctx, tk, ttl)
			}
		}
		return nil
	})
	return err
}

// FlushTag deletes every key recorded under tag, then the tag itself.
func (c *CacheStore) FlushTag(ctx context.Context, tag string) error {
	tk := c.tagKey(tag)
	members, err := c.client.SMembers(ctx, tk).Result()
	if err != nil {
		return err
	}
	if len(members) > 0 {
		if err := c.client.Del(ctx, members...).Err(); err != nil {
			return err
		}
	}
	return c.client.Del(ctx, tk).Err()
}
