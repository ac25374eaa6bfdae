package ledger

import (
	"context"
	"testing"
	"time"

	"odooetl/internal/storage"
	"odooetl/internal/storage/sqlite"
)

func newWarehouse(t *testing.T) *sqlite.Repository {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.New(db)
}

func count(t *testing.T, w storage.Warehouse, query string) int64 {
	t.Helper()
	rows, err := w.Query(context.Background(), query)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	return n
}

func TestRecord_AppendOnly(t *testing.T) {
	t.Parallel()

	w := newWarehouse(t)
	ctx := context.Background()
	l := New(w, Options{RunID: "run-1"})
	l.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	if err := l.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := l.Ensure(ctx); err != nil {
		t.Fatalf("Ensure must be idempotent: %v", err)
	}

	e := Entry{Constraint: "fk_crm_team_id", Value: "42", Table: "crm_team", Column: "id", SourceTable: "dim_branches"}
	for i := 0; i < 2; i++ {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}
	if n := count(t, w, `SELECT COUNT(*) FROM missing_data WHERE foreign_key_value = '42' AND run_id = 'run-1'`); n != 2 {
		t.Fatalf("ledger rows = %d; want 2 (no dedup)", n)
	}
}

func TestEnsurePlaceholder_Idempotent(t *testing.T) {
	t.Parallel()

	w := newWarehouse(t)
	ctx := context.Background()
	if err := w.Exec(ctx, `CREATE TABLE crm_team (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	l := New(w, Options{})

	created, err := l.EnsurePlaceholder(ctx, "crm_team", "id", "42")
	if err != nil || !created {
		t.Fatalf("first EnsurePlaceholder = %v,%v; want true,nil", created, err)
	}
	created, err = l.EnsurePlaceholder(ctx, "crm_team", "id", "42")
	if err != nil || created {
		t.Fatalf("second EnsurePlaceholder = %v,%v; want false,nil", created, err)
	}
	if n := count(t, w, `SELECT COUNT(*) FROM crm_team WHERE id = 42 AND name = 'unknown-placeholder'`); n != 1 {
		t.Fatalf("placeholder rows = %d; want 1", n)
	}
}

func TestEnsurePlaceholder_NoLabelColumn(t *testing.T) {
	t.Parallel()

	w := newWarehouse(t)
	ctx := context.Background()
	if err := w.Exec(ctx, `CREATE TABLE branch_ref (ref_id INTEGER PRIMARY KEY, branchid TEXT)`); err != nil {
		t.Fatal(err)
	}
	l := New(w, Options{LabelColumns: map[string]string{"branch_ref": ""}})
	if _, err := l.EnsurePlaceholder(ctx, "branch_ref", "ref_id", "9"); err != nil {
		t.Fatalf("EnsurePlaceholder: %v", err)
	}
	if n := count(t, w, `SELECT COUNT(*) FROM branch_ref WHERE ref_id = 9`); n != 1 {
		t.Fatalf("rows = %d; want 1", n)
	}
}

func TestRepair(t *testing.T) {
	t.Parallel()

	w := newWarehouse(t)
	ctx := context.Background()
	if err := w.Exec(ctx, `CREATE TABLE crm_team (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	l := New(w, Options{RunID: "r"})
	if err := l.Ensure(ctx); err != nil {
		t.Fatal(err)
	}

	fk := &storage.ForeignKeyError{Constraint: "fk_crm_team_id", Table: "crm_team", Column: "id", Value: "5", SourceTable: "dim_branches"}
	if created, err := l.Repair(ctx, fk); err != nil || !created {
		t.Fatalf("Repair = %v,%v", created, err)
	}

	unknown := &storage.ForeignKeyError{Constraint: "orders_partner_fkey", SourceTable: "orders"}
	if _, err := l.Repair(ctx, unknown); err == nil {
		t.Fatal("expected error for unrepairable violation")
	}
	if n := count(t, w, `SELECT COUNT(*) FROM missing_data`); n != 2 {
		t.Fatalf("ledger rows = %d; want 2 (unrepairable violations are still logged)", n)
	}
}
