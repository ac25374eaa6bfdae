package sqlite

import (
	"context"
	"testing"

	"odooetl/internal/storage"
)

func TestAdapterRegistration(t *testing.T) {
	w, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer w.Close()
	if w.Dialect().Name() != "sqlite" {
		t.Fatalf("dialect = %s", w.Dialect().Name())
	}
	if _, err := storage.New(context.Background(), storage.Config{Kind: "sqlite"}); err == nil {
		t.Fatal("empty DSN must fail")
	}
}
