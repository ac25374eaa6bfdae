package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"odooetl/internal/storage"
)

func newMemDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := Open(":memory:")
	if err != nil {
		tb.Fatalf("open sqlite :memory:: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

func newRepo(tb testing.TB) *Repository {
	tb.Helper()
	return New(newMemDB(tb))
}

func mustExec(tb testing.TB, r *Repository, stmt string, args ...any) {
	tb.Helper()
	if err := r.Exec(context.Background(), stmt, args...); err != nil {
		tb.Fatalf("exec %q: %v", stmt, err)
	}
}

func countRows(tb testing.TB, r *Repository, query string, args ...any) int {
	tb.Helper()
	var n int
	if err := r.db.QueryRow(query, args...).Scan(&n); err != nil {
		tb.Fatalf("count %q: %v", query, err)
	}
	return n
}

func TestUpsert_LastWriteWins(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT, price REAL)`)

	cols, keys := []string{"id", "name", "price"}, []string{"id"}
	if _, err := r.Upsert(ctx, "products", cols, keys, [][]any{{1, "a", 1.0}, {2, "b", 2.0}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := r.Upsert(ctx, "products", cols, keys, [][]any{{1, "a2", 1.5}, {2, "b2", 2.5}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if n := countRows(t, r, `SELECT COUNT(*) FROM products`); n != 2 {
		t.Fatalf("rows = %d; want 2", n)
	}
	var name string
	if err := r.db.QueryRow(`SELECT name FROM products WHERE id = 1`).Scan(&name); err != nil || name != "a2" {
		t.Fatalf("name = %q,%v; want a2", name, err)
	}
}

func TestUpsert_CompositeKey(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE stock (product_id INTEGER, location_id INTEGER, qty REAL, PRIMARY KEY (product_id, location_id))`)

	cols, keys := []string{"product_id", "location_id", "qty"}, []string{"product_id", "location_id"}
	for _, qty := range []float64{3, 0} {
		if _, err := r.Upsert(ctx, "stock", cols, keys, [][]any{{1, 10, qty}, {1, 20, qty}}); err != nil {
			t.Fatalf("upsert qty=%v: %v", qty, err)
		}
	}
	if n := countRows(t, r, `SELECT COUNT(*) FROM stock WHERE qty = 0`); n != 2 {
		t.Fatalf("rows with qty=0: %d; want 2", n)
	}
}

func TestUpsert_ForeignKeyDiagnosed(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE crm_team (id INTEGER PRIMARY KEY, name TEXT)`)
	mustExec(t, r, `CREATE TABLE dim_branches (branch_id INTEGER PRIMARY KEY, team_id INTEGER REFERENCES crm_team(id))`)
	mustExec(t, r, `INSERT INTO crm_team (id, name) VALUES (1, 'North')`)

	_, err := r.Upsert(ctx, "dim_branches", []string{"branch_id", "team_id"}, []string{"branch_id"},
		[][]any{{int64(100), int64(1)}, {int64(101), int64(7)}})
	fk, ok := storage.AsForeignKey(err)
	if !ok {
		t.Fatalf("err = %v; want ForeignKeyError", err)
	}
	if fk.Table != "crm_team" || fk.Column != "id" || fk.Value != "7" || fk.SourceTable != "dim_branches" {
		t.Fatalf("fk = %+v", fk)
	}
	if n := countRows(t, r, `SELECT COUNT(*) FROM dim_branches`); n != 0 {
		t.Fatalf("failed slice must roll back, found %d rows", n)
	}

	// Implicit primary key reference.
	mustExec(t, r, `CREATE TABLE pos_order (id INTEGER PRIMARY KEY, branch_id INTEGER REFERENCES dim_branches)`)
	_, err = r.Upsert(ctx, "pos_order", []string{"id", "branch_id"}, []string{"id"}, [][]any{{int64(1), int64(555)}})
	fk, ok = storage.AsForeignKey(err)
	if !ok || fk.Table != "dim_branches" || fk.Column != "branch_id" || fk.Value != "555" {
		t.Fatalf("implicit reference fk = %+v, err=%v", fk, err)
	}
}

func TestUpsert_NonFKErrorPropagates(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	mustExec(t, r, `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	_, err := r.Upsert(context.Background(), "t", []string{"id", "name"}, []string{"id"}, [][]any{{1, nil}})
	if err == nil {
		t.Fatal("expected NOT NULL failure")
	}
	if _, ok := storage.AsForeignKey(err); ok {
		t.Fatalf("NOT NULL failure must not be a ForeignKeyError: %v", err)
	}
}

func TestDialectQueriesAgainstSQLite(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE all_sales (order_ref TEXT PRIMARY KEY)`)
	for _, ref := range []string{"POS-9", "POS-120", "DS-77", "LEGACY-5000", "POS-abc"} {
		mustExec(t, r, `INSERT INTO all_sales (order_ref) VALUES (?)`, ref)
	}

	if got, err := storage.MaxID(ctx, r, "all_sales", "order_ref", "POS-"); err != nil || got != 120 {
		t.Fatalf("POS max = %d,%v; want 120", got, err)
	}
	if got, err := storage.MaxID(ctx, r, "all_sales", "order_ref", "DS-"); err != nil || got != 77 {
		t.Fatalf("DS max = %d,%v; want 77", got, err)
	}
	if got, err := storage.MaxID(ctx, r, "all_sales", "order_ref", "XX-"); err != nil || got != 0 {
		t.Fatalf("absent tag max = %d,%v; want 0", got, err)
	}

	td := storage.TableDef{
		Name:       "etl_watermarks",
		Columns:    []storage.Column{{Name: "key", Type: storage.TypeText, NotNull: true}, {Name: "value", Type: storage.TypeBigInt, NotNull: true}},
		PrimaryKey: []string{"key"},
	}
	for i := 0; i < 2; i++ {
		if err := storage.EnsureTable(ctx, r, td); err != nil {
			t.Fatalf("EnsureTable #%d: %v", i, err)
		}
	}

	mustExec(t, r, `CREATE TABLE crm_team (id INTEGER PRIMARY KEY, name TEXT)`)
	ins := r.Dialect().InsertIgnore("crm_team", []string{"id", "name"})
	for i := 0; i < 2; i++ {
		mustExec(t, r, ins, "42", "unknown-placeholder")
	}
	if n := countRows(t, r, `SELECT COUNT(*) FROM crm_team WHERE id = 42`); n != 1 {
		t.Fatalf("placeholder rows = %d; want 1", n)
	}
	if ok, err := storage.Exists(ctx, r, "crm_team", "id", "42"); err != nil || !ok {
		t.Fatalf("Exists = %v,%v", ok, err)
	}
}
