package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis-backed lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Redis is a Locker shared by every replica pointing at the same key. The
// TTL bounds how long a crashed holder can block new runs.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis connects a client from cfg.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg.Key, cfg.TTL)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be > 0")
	}
	return &Redis{client: client, key: key, ttl: ttl}, nil
}

// TryLock sets the key with NX and a TTL.
func (r *Redis) TryLock(ctx context.Context, owner string) error {
	ok, err := r.client.SetNX(ctx, r.key, owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", r.key, err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Unlock deletes the key if owner still holds it.
func (r *Redis) Unlock(ctx context.Context, owner string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, owner).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
