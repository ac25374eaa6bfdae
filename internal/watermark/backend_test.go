package watermark

import (
	"context"
	"testing"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, closeFn, err := Open(ctx, Config{}, nil)
	if err != nil {
		t.Fatalf("Open(default) error = %v", err)
	}
	defer closeFn()
	if fb, ok := b.(FileBackend); !ok || fb.Path != "db_vars.json" {
		t.Fatalf("default backend = %#v; want FileBackend{db_vars.json}", b)
	}

	if _, _, err := Open(ctx, Config{Kind: "table"}, nil); err == nil {
		t.Fatalf("table backend without warehouse should fail")
	}
	if _, _, err := Open(ctx, Config{Kind: "etcd"}, nil); err == nil {
		t.Fatalf("unknown backend should fail")
	}
	if _, _, err := Open(ctx, Config{Kind: "redis"}, nil); err == nil {
		t.Fatalf("redis without address should fail")
	}
}
