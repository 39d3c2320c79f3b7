package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dockhand:lock:"

// Deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Resets the expiry only while the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every API and worker process.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

var _ Locker = (*Redis)(nil)

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := newToken()
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (r *Redis) Unlock(ctx context.Context, lease *Lease) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{keyPrefix + lease.Key}, lease.Token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *Redis) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.rdb, []string{keyPrefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend %s: %w", lease.Key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}
