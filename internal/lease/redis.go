// Package lease hands out short exclusive leases in Redis so that only one replica runs a
// periodic job at a time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"orangecat/governance/internal/util"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker connects to redisURL and verifies it answers a ping.
func NewRedisLocker(ctx context.Context, redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client), nil
}

func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "governance:lease:"}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + name
}

// TryLock takes the lease name for ttl. ok is false when someone else holds it. The returned
// unlock releases the lease only if it has not expired and been taken over in the meantime.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := l.key(name)
	token := util.NewID("lse")
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		return nil
	}
	return unlock, true, nil
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
