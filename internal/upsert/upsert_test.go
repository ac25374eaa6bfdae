package upsert

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"odooetl/internal/ledger"
	"odooetl/internal/storage"
	"odooetl/internal/storage/sqlite"
	"odooetl/pkg/records"
)

// scriptedWarehouse returns errs[i] on the i-th Upsert call and records
// what it was asked to write.
type scriptedWarehouse struct {
	errs    []error
	calls   int
	columns [][]string
	keys    [][]string
	rows    [][][]any
}

func (s *scriptedWarehouse) Dialect() storage.Dialect { return storage.SQLite{} }

func (s *scriptedWarehouse) Upsert(_ context.Context, _ string, columns, keys []string, rows [][]any) (int64, error) {
	i := s.calls
	s.calls++
	s.columns = append(s.columns, columns)
	s.keys = append(s.keys, keys)
	s.rows = append(s.rows, rows)
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	return int64(len(rows)), nil
}

func (s *scriptedWarehouse) Exec(context.Context, string, ...any) error { return nil }
func (s *scriptedWarehouse) Query(context.Context, string, ...any) (storage.Rows, error) {
	return nil, errors.New("not supported")
}
func (s *scriptedWarehouse) Close() {}

type recordingRepairer struct {
	seen []*storage.ForeignKeyError
	err  error
}

func (r *recordingRepairer) Repair(_ context.Context, fk *storage.ForeignKeyError) (bool, error) {
	r.seen = append(r.seen, fk)
	return true, r.err
}

func fkErr(value string) error {
	return &storage.ForeignKeyError{Constraint: "fk_crm_team_id", Table: "crm_team", Column: "id", Value: value}
}

func TestUpsert_EmptyIsNoOp(t *testing.T) {
	t.Parallel()

	w := &scriptedWarehouse{}
	e := &Engine{Warehouse: w}
	res, err := e.Upsert(context.Background(), Request{Table: "dim_branches", PrimaryKey: []string{"id"}})
	if err != nil {
		t.Fatalf("Upsert(empty) error = %v", err)
	}
	if w.calls != 0 || res.Slices != 0 {
		t.Fatalf("calls=%d slices=%d; want no writes", w.calls, res.Slices)
	}
}

func TestUpsert_MissingKey(t *testing.T) {
	t.Parallel()

	e := &Engine{Warehouse: &scriptedWarehouse{}}
	_, err := e.Upsert(context.Background(), Request{
		Table:      "dim_branches",
		PrimaryKey: []string{"id"},
		Records:    []records.Record{{"id": 1}, {"name": "no id"}},
	})
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("error = %v; want ErrMissingKey", err)
	}

	_, err = e.Upsert(context.Background(), Request{Table: "t", Records: []records.Record{{"id": 1}}})
	if err == nil {
		t.Fatalf("expected error without a primary key")
	}
}

func TestUpsert_FoldsCaseAndUnionsColumns(t *testing.T) {
	t.Parallel()

	w := &scriptedWarehouse{}
	e := &Engine{Warehouse: w}
	_, err := e.Upsert(context.Background(), Request{
		Table:      "dim_products",
		PrimaryKey: []string{"ID"},
		Records: []records.Record{
			{"ID": 1, "Name": "Tea"},
			{"id": 2, "Barcode": "123"},
		},
	})
	if err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if want := []string{"barcode", "id", "name"}; !slices.Equal(w.columns[0], want) {
		t.Fatalf("columns = %v; want %v", w.columns[0], want)
	}
	if want := []string{"id"}; !slices.Equal(w.keys[0], want) {
		t.Fatalf("keys = %v; want %v", w.keys[0], want)
	}
	// Absent fields are written as nil.
	if got := w.rows[0][1]; got[0] != "123" || got[2] != nil {
		t.Fatalf("second row = %v", got)
	}
}

func TestUpsert_SlicesAndDedupKeepsLast(t *testing.T) {
	t.Parallel()

	w := &scriptedWarehouse{}
	e := &Engine{Warehouse: w, BatchSize: 3}
	res, err := e.Upsert(context.Background(), Request{
		Table:      "dim_products",
		PrimaryKey: []string{"id"},
		Records: []records.Record{
			{"id": 1, "name": "a"},
			{"id": 2, "name": "b"},
			{"id": 1, "name": "c"},
			{"id": 3, "name": "d"},
		},
	})
	if err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if res.Slices != 2 || w.calls != 2 {
		t.Fatalf("slices=%d calls=%d; want 2", res.Slices, w.calls)
	}
	if res.Deduplicated != 1 || res.Written != 3 {
		t.Fatalf("dedup=%d written=%d; want 1,3", res.Deduplicated, res.Written)
	}
	first := w.rows[0]
	if len(first) != 2 || first[0][0] != 2 || first[1][1] != "c" {
		t.Fatalf("first slice = %v; want [2 b] [1 c]", first)
	}
}

func TestDedup_CompositeKey(t *testing.T) {
	t.Parallel()

	in := []records.Record{
		{"a": 1, "b": "x", "v": 1},
		{"a": 1, "b": "y", "v": 2},
		{"a": 1, "b": "x", "v": 3},
	}
	out := dedup(in, []string{"a", "b"})
	if len(out) != 2 || out[0]["v"] != 2 || out[1]["v"] != 3 {
		t.Fatalf("dedup = %v", out)
	}
}

func TestUpsert_RepairThenSucceed(t *testing.T) {
	t.Parallel()

	w := &scriptedWarehouse{errs: []error{fkErr("42")}}
	rep := &recordingRepairer{}
	e := &Engine{Warehouse: w, Repairer: rep}
	res, err := e.Upsert(context.Background(), Request{
		Table:      "dim_branches",
		PrimaryKey: []string{"id"},
		Records:    []records.Record{{"id": 1, "crm_team_id": 42}},
	})
	if err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if w.calls != 2 || res.Repairs != 1 {
		t.Fatalf("calls=%d repairs=%d; want 2,1", w.calls, res.Repairs)
	}
	if got := rep.seen[0].SourceTable; got != "dim_branches" {
		t.Fatalf("repair source table = %q", got)
	}
}

func TestUpsert_BudgetExhausted(t *testing.T) {
	t.Parallel()

	w := &scriptedWarehouse{errs: []error{fkErr("1"), fkErr("2"), fkErr("3")}}
	rep := &recordingRepairer{}
	e := &Engine{Warehouse: w, Repairer: rep, MaxAttempts: 2}
	_, err := e.Upsert(context.Background(), Request{
		Table:      "dim_branches",
		PrimaryKey: []string{"id"},
		Records:    []records.Record{{"id": 1}},
	})
	if err == nil || !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("error = %v; want exhausted budget", err)
	}
	if w.calls != 2 {
		t.Fatalf("calls = %d; want 2", w.calls)
	}
	// Both detections were repaired, including the last one.
	if len(rep.seen) != 2 {
		t.Fatalf("repairs = %d; want 2", len(rep.seen))
	}
	if _, ok := storage.AsForeignKey(err); !ok {
		t.Fatalf("exhausted error should wrap the violation: %v", err)
	}
}

func TestUpsert_NonForeignKeyErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	w := &scriptedWarehouse{errs: []error{boom}}
	rep := &recordingRepairer{}
	e := &Engine{Warehouse: w, Repairer: rep, Parser: storage.TextViolationParser{}}
	_, err := e.Upsert(context.Background(), Request{
		Table:      "t",
		PrimaryKey: []string{"id"},
		Records:    []records.Record{{"id": 1}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v; want %v", err, boom)
	}
	if w.calls != 1 || len(rep.seen) != 0 {
		t.Fatalf("calls=%d repairs=%d; want 1,0", w.calls, len(rep.seen))
	}
}

func TestUpsert_ParserRecoversPlainErrors(t *testing.T) {
	t.Parallel()

	plain := errors.New(`insert or update on table "dim_branches" violates foreign key constraint "fk_crm_team_id" ` +
		`Key (crm_team_id)=(7) is not present in table "crm_team".`)
	w := &scriptedWarehouse{errs: []error{plain}}
	rep := &recordingRepairer{}
	e := &Engine{Warehouse: w, Repairer: rep, Parser: storage.TextViolationParser{}}
	if _, err := e.Upsert(context.Background(), Request{
		Table:      "dim_branches",
		PrimaryKey: []string{"id"},
		Records:    []records.Record{{"id": 1}},
	}); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if len(rep.seen) != 1 || rep.seen[0].Value != "7" || rep.seen[0].Table != "crm_team" || rep.seen[0].Column != "id" {
		t.Fatalf("parsed violation = %+v", rep.seen)
	}
}

func TestUpsert_RepairFailureStops(t *testing.T) {
	t.Parallel()

	w := &scriptedWarehouse{errs: []error{fkErr("9")}}
	rep := &recordingRepairer{err: errors.New("ledger down")}
	e := &Engine{Warehouse: w, Repairer: rep}
	_, err := e.Upsert(context.Background(), Request{
		Table:      "t",
		PrimaryKey: []string{"id"},
		Records:    []records.Record{{"id": 1}},
	})
	if err == nil || !strings.Contains(err.Error(), "ledger down") {
		t.Fatalf("error = %v; want repair failure", err)
	}
	if w.calls != 1 {
		t.Fatalf("calls = %d; want 1", w.calls)
	}
}

// TestUpsert_ConvergesWithLedger loads rows that reference a missing parent
// into a real SQLite warehouse twice: the first run creates one placeholder
// and one ledger row, the second run changes nothing but the ledger.
func TestUpsert_ConvergesWithLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	w := sqlite.New(db)

	for _, stmt := range []string{
		`CREATE TABLE crm_team (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE dim_branches (id INTEGER PRIMARY KEY, name TEXT,
			crm_team_id INTEGER, CONSTRAINT fk_crm_team_id FOREIGN KEY (crm_team_id) REFERENCES crm_team(id))`,
	} {
		if err := w.Exec(ctx, stmt); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}

	l := ledger.New(w, ledger.Options{RunID: "run-1"})
	if err := l.Ensure(ctx); err != nil {
		t.Fatalf("ledger ensure: %v", err)
	}
	e := &Engine{Warehouse: w, Repairer: l}
	req := Request{
		Table:      "dim_branches",
		PrimaryKey: []string{"id"},
		Records: []records.Record{
			{"id": 1, "name": "Main", "crm_team_id": 42},
			{"id": 2, "name": "Annex", "crm_team_id": nil},
		},
	}

	for run := 1; run <= 2; run++ {
		res, err := e.Upsert(ctx, req)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		wantRepairs := 0
		if run == 1 {
			wantRepairs = 1
		}
		if res.Repairs != wantRepairs {
			t.Fatalf("run %d repairs = %d; want %d", run, res.Repairs, wantRepairs)
		}
	}

	checks := map[string]int64{
		`SELECT COUNT(*) FROM dim_branches`: 2,
		`SELECT COUNT(*) FROM crm_team WHERE id = 42 AND name = 'unknown-placeholder'`: 1,
		`SELECT COUNT(*) FROM missing_data WHERE foreign_key_value = '42'`:               1,
	}
	for q, want := range checks {
		rows, err := w.Query(ctx, q)
		if err != nil {
			t.Fatalf("query %q: %v", q, err)
		}
		var n int64
		if rows.Next() {
			if err := rows.Scan(&n); err != nil {
				t.Fatalf("scan: %v", err)
			}
		}
		rows.Close()
		if n != want {
			t.Fatalf("%s = %d; want %d", q, n, want)
		}
	}
}
