package watermark

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the watermark document.
const DefaultRedisKey = "odooetl:watermarks"

// RedisConfig configures NewRedisBackend.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Key         string
	DialTimeout time.Duration
}

// redisHash is the subset of *redis.Client the backend uses.
type redisHash interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisBackend stores the document as one Redis hash, field per key.
type RedisBackend struct {
	client redisHash
	key    string
	close  func() error
}

// NewRedisBackend connects to cfg.Addr and pings it.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("watermark: redis address is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("watermark: connect to redis %s: %w", cfg.Addr, err)
	}
	return &RedisBackend{client: client, key: cfg.Key, close: client.Close}, nil
}

func (r *RedisBackend) Describe() string { return "redis:" + r.key }

func (r *RedisBackend) Load(ctx context.Context) (map[string]int64, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	out := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s=%q: %w", k, v, err)
		}
		out[k] = n
	}
	return out, nil
}

// Save replaces the hash atomically (DEL + HSET in MULTI/EXEC).
func (r *RedisBackend) Save(ctx context.Context, m map[string]int64) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key)
		if len(m) == 0 {
			return nil
		}
		values := make(map[string]any, len(m))
		for k, v := range m {
			values[k] = v
		}
		p.HSet(ctx, r.key, values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", r.key, err)
	}
	return nil
}

// Close releases the client connection.
func (r *RedisBackend) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
