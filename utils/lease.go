package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so an
// instance whose lease already lapsed cannot drop a newer holder's lease.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLease is a best-effort single-holder lease on one key.
type RedisLease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) (*RedisLease, error) {
	token, err := GenerateCode(16)
	if err != nil {
		return nil, fmt.Errorf("lease token: %w", err)
	}
	return &RedisLease{client: client, key: key, token: token, ttl: ttl}, nil
}

// Acquire takes the lease if nobody holds it. Re-acquiring a lease this
// instance already holds is reported as not acquired until it is released or
// expires.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
