package watermark

import (
	"context"
	"errors"
	"maps"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeHash struct {
	fields map[string]string
	err    error
}

func (f fakeHash) HGetAll(context.Context, string) *redis.MapStringStringCmd {
	return redis.NewMapStringStringResult(f.fields, f.err)
}

func (f fakeHash) TxPipelined(context.Context, func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return nil, errors.New("not supported by fake")
}

func TestRedisBackend_Load(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := &RedisBackend{client: fakeHash{fields: map[string]string{"max_branch_id": "12"}}, key: DefaultRedisKey}
	got, err := b.Load(ctx)
	if err != nil || !maps.Equal(got, map[string]int64{"max_branch_id": 12}) {
		t.Fatalf("Load = %v, %v", got, err)
	}

	b = &RedisBackend{client: fakeHash{fields: map[string]string{"x": "abc"}}, key: DefaultRedisKey}
	if _, err := b.Load(ctx); err == nil {
		t.Fatalf("Load(non-integer field) error = nil")
	}

	b = &RedisBackend{client: fakeHash{err: errors.New("conn refused")}, key: DefaultRedisKey}
	if _, err := b.Load(ctx); err == nil {
		t.Fatalf("Load(error) error = nil")
	}
}

// Integration: requires a reachable Redis at TEST_REDIS_ADDR.
func TestRedisBackend_Integration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration test")
	}
	ctx := context.Background()
	b, err := NewRedisBackend(ctx, RedisConfig{Addr: addr, Key: "odooetl:test:watermarks"})
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	defer b.Close()

	if err := b.Save(ctx, map[string]int64{"a": 1, "b": 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Save(ctx, map[string]int64{"b": 5}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := b.Load(ctx)
	if err != nil || !maps.Equal(got, map[string]int64{"b": 5}) {
		t.Fatalf("Load = %v, %v; want map[b:5]", got, err)
	}
}
