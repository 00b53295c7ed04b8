package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// The first INCR of a window sets its expiry; the key vanishing resets the window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

type RedisGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, prefix: "picfit:rate:"}
}

func (g *RedisGuard) Hit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	ms := windowSeconds(window) * 1000

	res, err := fixedWindowScript.Run(ctx, g.client, []string{g.prefix + key}, ms).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate window %s: %w", key, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("rate window %s: unexpected script result %v", key, res)
	}
	count, _ := values[0].(int64)
	ttl, _ := values[1].(int64)

	d := Decision{Allowed: count <= limit, Count: count}
	if !d.Allowed {
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return d, nil
}
