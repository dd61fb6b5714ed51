// Package limiter is a Redis-backed request rate limiter.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy decides whether one more request for key fits in the limit.
type Strategy interface {
	Allow(ctx context.Context, rdb redis.Scripter, key string, limit int, window time.Duration) (bool, error)
}

// FixedWindowStrategy counts requests per key in windows that start on the
// first request.
type FixedWindowStrategy struct{}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

func (FixedWindowStrategy) Allow(ctx context.Context, rdb redis.Scripter, key string, limit int, window time.Duration) (bool, error) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	result, err := fixedWindowScript.Run(ctx, rdb, []string{key}, limit, seconds).Int()
	if err != nil {
		return false, fmt.Errorf("fixed window script: %w", err)
	}
	return result == 1, nil
}

type Manager struct {
	rdb      redis.Scripter
	strategy Strategy
	limit    int
	window   time.Duration
	prefix   string
}

func NewManager(rdb redis.Scripter, strategy Strategy, limit int, window time.Duration) *Manager {
	return &Manager{rdb: rdb, strategy: strategy, limit: limit, window: window, prefix: "slashy:ratelimit:"}
}

func (m *Manager) Allow(ctx context.Context, key string) (bool, error) {
	return m.strategy.Allow(ctx, m.rdb, m.prefix+key, m.limit, m.window)
}

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}
	return client, nil
}
