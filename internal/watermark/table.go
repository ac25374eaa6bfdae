package watermark

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"odooetl/internal/storage"
)

// DefaultTable holds watermarks kept in the warehouse itself.
const DefaultTable = "etl_watermarks"

// TableBackend stores one row per key in a warehouse table.
type TableBackend struct {
	W     storage.Warehouse
	Table string // DefaultTable when empty
}

func (t TableBackend) name() string {
	if t.Table == "" {
		return DefaultTable
	}
	return t.Table
}

func (t TableBackend) Describe() string { return "table:" + t.name() }

// Definition describes the watermark table.
func (t TableBackend) Definition() storage.TableDef {
	return storage.TableDef{
		Name: t.name(),
		Columns: []storage.Column{
			{Name: "key", Type: storage.TypeText, NotNull: true},
			{Name: "value", Type: storage.TypeBigInt, NotNull: true},
		},
		PrimaryKey: []string{"key"},
	}
}

// Load creates the table when missing and reads every row.
func (t TableBackend) Load(ctx context.Context) (map[string]int64, error) {
	if err := storage.EnsureTable(ctx, t.W, t.Definition()); err != nil {
		return nil, err
	}
	d := t.W.Dialect()
	rows, err := t.W.Query(ctx, fmt.Sprintf("SELECT %s, %s FROM %s",
		d.Quote("key"), d.Quote("value"), d.Quote(t.name())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			k string
			v int64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name(), err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Save upserts every key in m, then removes rows for keys m no longer has.
// A failed upsert leaves the stored rows untouched. An empty m is a no-op.
func (t TableBackend) Save(ctx context.Context, m map[string]int64) error {
	if len(m) == 0 {
		return nil
	}
	if err := storage.EnsureTable(ctx, t.W, t.Definition()); err != nil {
		return err
	}
	keys := slices.Sorted(maps.Keys(m))
	rows := make([][]any, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []any{k, m[k]})
		args = append(args, k)
	}
	if _, err := t.W.Upsert(ctx, t.name(), []string{"key", "value"}, []string{"key"}, rows); err != nil {
		return fmt.Errorf("write %s: %w", t.name(), err)
	}
	d := t.W.Dialect()
	prune := fmt.Sprintf("DELETE FROM %s WHERE %s NOT IN (%s)",
		d.Quote(t.name()), d.Quote("key"), strings.Join(storage.Placeholders(d, 1, len(keys)), ", "))
	if err := t.W.Exec(ctx, prune, args...); err != nil {
		return fmt.Errorf("prune %s: %w", t.name(), err)
	}
	return nil
}
