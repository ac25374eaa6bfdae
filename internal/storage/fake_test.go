package storage

import (
	"context"
	"fmt"
	"strings"
)

// fakeWarehouse answers Exists queries from a "table.column=value" set and
// MaxID queries from maxes keyed by the rendered query.
type fakeWarehouse struct {
	present map[string]bool
	maxes   map[string]*int64
	execs   []string
}

func (f *fakeWarehouse) Dialect() Dialect { return SQLite{} }

func (f *fakeWarehouse) Upsert(context.Context, string, []string, []string, [][]any) (int64, error) {
	return 0, nil
}

func (f *fakeWarehouse) Exec(_ context.Context, q string, _ ...any) error {
	f.execs = append(f.execs, q)
	return nil
}

func (f *fakeWarehouse) Query(_ context.Context, q string, args ...any) (Rows, error) {
	if strings.HasPrefix(q, "SELECT 1 FROM ") {
		// SELECT 1 FROM "t" WHERE "c" = ? LIMIT 1
		parts := strings.Fields(q)
		table := strings.Trim(parts[3], `"`)
		column := strings.Trim(parts[5], `"`)
		if f.present[fmt.Sprintf("%s.%s=%v", table, column, args[0])] {
			return &fakeRows{vals: [][]any{{int64(1)}}}, nil
		}
		return &fakeRows{}, nil
	}
	if v, ok := f.maxes[q]; ok {
		return &fakeRows{vals: [][]any{{v}}}, nil
	}
	return nil, fmt.Errorf("unexpected query %q", q)
}

func (f *fakeWarehouse) Close() {}

type fakeRows struct {
	vals [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.vals) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.vals[r.i-1]
	for i, d := range dest {
		switch p := d.(type) {
		case **int64:
			v, _ := row[i].(*int64)
			*p = v
		case *int64:
			*p = row[i].(int64)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}
