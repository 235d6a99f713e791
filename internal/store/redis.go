package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diagramforge/broker/internal/observability"
)

// RedisStore backs leader-election leases and the idempotency cache. It does
// not implement the full durable Store interface — Postgres owns jobs/usage
// (spec §6.5's indexes are relational); Redis is deliberately scoped to the
// narrower Coordinator/IdempotencyBackend interfaces.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection with a ping.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) withLatency(f func() error) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	return f()
}

// AcquireLease sets the key iff absent, with the given TTL.
func (s *RedisStore) AcquireLease(ctx context.Context, k, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withLatency(func() error {
		var err error
		ok, err = s.client.SetNX(ctx, k, value, ttl).Result()
		return err
	})
	return ok, err
}

// renewScript extends the TTL only if the caller still holds the lease.
const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

// RenewLease extends the TTL of a held lease, failing if value no longer
// matches the current holder.
func (s *RedisStore) RenewLease(ctx context.Context, k, value string, ttl time.Duration) (bool, error) {
	var renewed bool
	err := s.withLatency(func() error {
		res, err := s.client.Eval(ctx, renewScript, []string{k}, value, int64(ttl/time.Millisecond)).Result()
		if err != nil {
			return err
		}
		n, ok := res.(int64)
		if !ok {
			return errors.New("store: unexpected renew script result type")
		}
		renewed = n == 1
		return nil
	})
	return renewed, err
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ReleaseLease releases the lease if still held by value.
func (s *RedisStore) ReleaseLease(ctx context.Context, k, value string) error {
	return s.withLatency(func() error {
		_, err := s.client.Eval(ctx, releaseScript, []string{k}, value).Result()
		return err
	})
}

// Get returns the value for key, or "" if absent.
func (s *RedisStore) Get(ctx context.Context, k string) (string, error) {
	var val string
	err := s.withLatency(func() error {
		var err error
		val, err = s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			val, err = "", nil
		}
		return err
	})
	return val, err
}

// Set unconditionally stores value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, k, value string, ttl time.Duration) error {
	return s.withLatency(func() error {
		return s.client.Set(ctx, k, value, ttl).Err()
	})
}

// SetNX stores value only if k is absent, used to de-duplicate concurrent
// submits racing on the same idempotency key.
func (s *RedisStore) SetNX(ctx context.Context, k, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withLatency(func() error {
		var err error
		ok, err = s.client.SetNX(ctx, k, value, ttl).Result()
		return err
	})
	return ok, err
}
