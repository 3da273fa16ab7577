// Package cache shadows read models. It is never authoritative: every write
// path busts the keys it affects and readers fall back to the store on a miss.
package cache

import (
	"context"
	"errors"
	"path"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	// Bust deletes every key matching a glob pattern such as "certs:*".
	Bust(ctx context.Context, pattern string) (int, error)
}

const DefaultTTL = 2 * time.Minute

// Redis is the shared cache used when several processes serve the same store.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedis(addr string, db int, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		TTL:    ttl,
	}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, val []byte) error {
	return c.Client.Set(ctx, key, val, c.TTL).Err()
}

func (c *Redis) Bust(ctx context.Context, pattern string) (int, error) {
	var keys []string
	iter := c.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.Client.Del(ctx, keys...).Result()
	return int(n), err
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.Client.Close()
}

// Memory is the single-process fallback.
type Memory struct {
	items *gocache.Cache
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{items: gocache.New(ttl, ttl*2)}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

func (c *Memory) Set(_ context.Context, key string, val []byte) error {
	c.items.Set(key, val, gocache.DefaultExpiration)
	return nil
}

func (c *Memory) Bust(_ context.Context, pattern string) (int, error) {
	n := 0
	for key := range c.items.Items() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return n, err
		}
		if ok {
			c.items.Delete(key)
			n++
		}
	}
	return n, nil
}

// Open returns a Redis cache when addr is set and reachable, the in-process
// cache otherwise.
func Open(ctx context.Context, addr string, db int, ttl time.Duration, log *zap.Logger) Cache {
	if addr == "" {
		return NewMemory(ttl)
	}
	rc := NewRedis(addr, db, ttl)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn("redis unavailable, using in-process cache", zap.String("addr", addr), zap.Error(err))
		_ = rc.Close()
		return NewMemory(ttl)
	}
	log.Info("connected to redis", zap.String("addr", addr), zap.Int("db", db))
	return rc
}
