// Package lock provides a Redis-backed inventory.Locker for deployments
// where several processes write the same database.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/stock-ledger/inventory"
)

const (
	keyPrefix  = "stock-ledger:lock:"
	defaultTTL = 30 * time.Second
)

// Deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a lease-based mutual exclusion lock per key. A lease outlives
// a crashed holder by at most TTL; holders must finish well within it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

var _ inventory.Locker = (*Redis)(nil)

func NewRedis(client *redis.Client, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, log: log}
}

// Lock polls SET NX with exponential backoff until the lease is taken or
// ctx ends. Both ctx expiry and Redis failures are ErrUnavailable.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, &inventory.UnavailableError{Op: "lock item " + key, Err: err}
		}
		if ok {
			return r.unlocker(redisKey, token), nil
		}

		wait := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, &inventory.UnavailableError{Op: "lock item " + key, Err: ctx.Err()}
		case <-wait.C:
		}
	}
}

func (r *Redis) unlocker(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's ctx may already be done; release on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.log.Warn("lock release failed", "key", redisKey, "error", err)
			return
		}
		if n == 0 {
			r.log.Warn("lock lease expired before release", "key", redisKey)
		}
	}
}

// Ping reports whether Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &inventory.UnavailableError{Op: "ping redis", Err: err}
	}
	return nil
}
