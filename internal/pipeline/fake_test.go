package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"odooetl/internal/filter"
	"odooetl/internal/ledger"
	"odooetl/internal/odoo"
	"odooetl/internal/storage"
	"odooetl/internal/storage/sqlite"
	"odooetl/internal/upsert"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

var errFetch = errors.New("fake odoo: fetch failed")

// fakeOdoo serves in-memory models and evaluates AND-only domains with the
// operators the stages use.
type fakeOdoo struct {
	mu      sync.Mutex
	models  map[string][]records.Record
	authErr error

	// failAt makes the n-th Fetch (1-based) of a model fail.
	failAt  map[string]int
	fetches map[string]int
	counts  map[string]int
}

func newFakeOdoo(models map[string][]records.Record) *fakeOdoo {
	return &fakeOdoo{
		models:  models,
		failAt:  map[string]int{},
		fetches: map[string]int{},
		counts:  map[string]int{},
	}
}

func (f *fakeOdoo) Authenticate(context.Context) error { return f.authErr }

func (f *fakeOdoo) Count(_ context.Context, model string, domain filter.Expression) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[model]++
	return len(f.match(model, domain)), nil
}

func (f *fakeOdoo) Fetch(_ context.Context, q odoo.Query) ([]records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[q.Model]++
	if n := f.failAt[q.Model]; n > 0 && f.fetches[q.Model] == n {
		return nil, fmt.Errorf("%s: %w", q.Model, errFetch)
	}
	all := f.match(q.Model, q.Domain)
	lo := min(q.Offset, len(all))
	hi := len(all)
	if q.Limit > 0 {
		hi = min(lo+q.Limit, len(all))
	}
	out := make([]records.Record, 0, hi-lo)
	for _, r := range all[lo:hi] {
		rec := records.Record{}
		for _, field := range q.Fields {
			if v, ok := r[field]; ok {
				rec[field] = v
			} else {
				rec[field] = false
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeOdoo) fetchCount(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[model]
}

func (f *fakeOdoo) match(model string, domain filter.Expression) []records.Record {
	var out []records.Record
	for _, r := range f.models[model] {
		ok := true
		for _, p := range domain.Predicates() {
			if !eval(r[p.Field], p.Operator, p.Value) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := records.AsInt64(out[i]["id"])
		b, _ := records.AsInt64(out[j]["id"])
		return a < b
	})
	return out
}

// scalar reduces a stored value to something comparable: references become
// their id, numbers become int64.
func scalar(v any) any {
	if ref, ok := v.([]any); ok {
		if r, ok := records.ParseReference(ref); ok {
			return r.Value()
		}
	}
	switch v.(type) {
	case int, int64, json.Number:
		n, _ := records.AsInt64(v)
		return n
	}
	return v
}

func same(a, b any) bool {
	return fmt.Sprint(scalar(a)) == fmt.Sprint(scalar(b))
}

func eval(v any, op string, want any) bool {
	switch op {
	case "=":
		return same(v, want)
	case "!=":
		return !same(v, want)
	case ">":
		a, ok1 := records.AsInt64(scalar(v))
		b, ok2 := records.AsInt64(want)
		return ok1 && ok2 && a > b
	case "in":
		rv := reflect.ValueOf(want)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if same(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	panic("fake odoo: unsupported operator " + op)
}

// testZone is a fixed UTC+2 zone so tests do not depend on tzdata.
var testZone = time.FixedZone("UTC+2", 2*60*60)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	*Env
	w     *sqlite.Repository
	state string // watermark file
}

// newTestEnv opens an in-memory warehouse with schema applied, a ledger,
// and a file watermark store.
func newTestEnv(t *testing.T, src *fakeOdoo, schema ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	w := sqlite.New(db)
	for _, stmt := range schema {
		if err := w.Exec(ctx, stmt); err != nil {
			t.Fatalf("schema %q: %v", stmt, err)
		}
	}
	led := ledger.New(w, ledger.Options{RunID: "test-run"})
	if err := led.Ensure(ctx); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	state := filepath.Join(t.TempDir(), "db_vars.json")
	return &testEnv{
		Env: &Env{
			Source:    src,
			Warehouse: w,
			Upserter: &upsert.Engine{
				Warehouse: w,
				Repairer:  led,
				Parser:    storage.TextViolationParser{},
			},
			Watermarks:   watermark.New(watermark.FileBackend{Path: state}),
			Location:     testZone,
			BatchSize:    2,
			FetchWorkers: 2,
			Now:          func() time.Time { return testNow },
		},
		w:     w,
		state: state,
	}
}

// count returns the number of rows in table matching an optional WHERE
// clause.
func (e *testEnv) count(t *testing.T, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	rows, err := e.w.Query(context.Background(), q, args...)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	return n
}

// value returns a single column of a single row.
func (e *testEnv) value(t *testing.T, q string, args ...any) any {
	t.Helper()
	rows, err := e.w.Query(context.Background(), q, args...)
	if err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatalf("query %q: no rows", q)
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return v
}
