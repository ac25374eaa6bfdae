//go:build integration

package mssql

import (
	"context"
	"os"
	"testing"
	"time"

	"odooetl/internal/storage"
)

// getTestDSN reads MSSQL_TEST_DSN; the caller is skipped when it is empty.
func getTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MSSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MSSQL_TEST_DSN not set; skipping MSSQL integration tests")
	}
	return dsn
}

func TestIntegration_MergeAndViolation(t *testing.T) {
	dsn := getTestDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r, closeFn, err := NewRepository(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer closeFn()

	for _, stmt := range []string{
		`IF OBJECT_ID('dbo.it_child', 'U') IS NOT NULL DROP TABLE dbo.it_child`,
		`IF OBJECT_ID('dbo.it_parent', 'U') IS NOT NULL DROP TABLE dbo.it_parent`,
		`CREATE TABLE dbo.it_parent (id BIGINT PRIMARY KEY, name NVARCHAR(100))`,
		`CREATE TABLE dbo.it_child (id BIGINT PRIMARY KEY, parent_id BIGINT,
			CONSTRAINT fk_it_parent_id FOREIGN KEY (parent_id) REFERENCES dbo.it_parent (id))`,
	} {
		if err := r.Exec(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	cols, keys := []string{"id", "name"}, []string{"id"}
	for _, name := range []string{"a", "b"} {
		if _, err := r.Upsert(ctx, "dbo.it_parent", cols, keys, [][]any{{int64(1), name}}); err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
	}

	_, err = r.Upsert(ctx, "dbo.it_child", []string{"id", "parent_id"}, keys, [][]any{{int64(10), int64(99)}})
	fk, ok := storage.AsForeignKey(err)
	if !ok {
		t.Fatalf("want ForeignKeyError, got %v", err)
	}
	if fk.Column != "id" || fk.Value != "99" {
		t.Fatalf("fk = %+v", fk)
	}
}
