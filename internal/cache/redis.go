package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/osa-gateway/internal/model"
)

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Cache backed by Redis. Values are stored as JSON with a
// native expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

const pingTimeout = 5 * time.Second

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, eris.New("cache: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "cache: redis ping")
	}
	return &Redis{client: client, prefix: cfg.KeyPrefix}, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (*model.ContentSource, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: get %s", key)
	}
	var cs model.ContentSource
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, eris.Wrapf(err, "cache: decode %s", key)
	}
	return &cs, nil
}

// Set implements Cache. Non-positive TTLs are ignored.
func (r *Redis) Set(ctx context.Context, key string, cs model.ContentSource, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return eris.Wrapf(err, "cache: encode %s", key)
	}
	return eris.Wrapf(r.client.Set(ctx, r.prefix+key, data, ttl).Err(), "cache: set %s", key)
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return eris.Wrap(r.client.Del(ctx, full...).Err(), "cache: delete")
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return eris.Wrap(r.client.Ping(ctx).Err(), "cache: redis ping")
}

// Close implements Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}
