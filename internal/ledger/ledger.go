// Package ledger records every missing-reference violation seen while
// loading, and synthesizes the placeholder rows that let a blocked load go
// through.
//
// The ledger table is append-only: rows are never deduplicated or expired.
// Placeholders are created at most once per (table, key) thanks to an
// existence check followed by a conflict-tolerant insert.
package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"odooetl/internal/storage"
)

const (
	// DefaultTable is the ledger table name.
	DefaultTable = "missing_data"
	// DefaultLabelColumn receives PlaceholderLabel in placeholder rows.
	DefaultLabelColumn = "name"
	// PlaceholderLabel marks rows synthesized to satisfy a reference.
	PlaceholderLabel = "unknown-placeholder"
)

// Entry is one recorded violation.
type Entry struct {
	RunID       string
	Constraint  string
	Value       string
	Table       string // referenced table
	Column      string // referenced column
	SourceTable string
	DetectedAt  time.Time
}

// Options configures a Ledger. Zero values select the defaults above.
type Options struct {
	Table string
	RunID string

	// LabelColumns overrides the label column per referenced table. An
	// empty string means the table has no label column and placeholders
	// carry only the key.
	LabelColumns map[string]string
}

// Ledger writes violations and placeholders through a warehouse.
type Ledger struct {
	w      storage.Warehouse
	table  string
	runID  string
	labels map[string]string
	now    func() time.Time
}

// New returns a Ledger over w.
func New(w storage.Warehouse, opts Options) *Ledger {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	return &Ledger{
		w:      w,
		table:  opts.Table,
		runID:  opts.RunID,
		labels: opts.LabelColumns,
		now:    time.Now,
	}
}

// Table returns the ledger table name.
func (l *Ledger) Table() string { return l.table }

// Definition describes the ledger table.
func (l *Ledger) Definition() storage.TableDef {
	return storage.TableDef{
		Name: l.table,
		Columns: []storage.Column{
			{Name: "id", Type: storage.TypeSerial},
			{Name: "foreign_key_name", Type: storage.TypeText, NotNull: true},
			{Name: "foreign_key_value", Type: storage.TypeText},
			{Name: "table_name", Type: storage.TypeText},
			{Name: "column_name", Type: storage.TypeText},
			{Name: "source_table", Type: storage.TypeText},
			{Name: "run_id", Type: storage.TypeText},
			{Name: "created_at", Type: storage.TypeTimestamp, NotNull: true},
		},
	}
}

// Ensure creates the ledger table when missing.
func (l *Ledger) Ensure(ctx context.Context) error {
	return storage.EnsureTable(ctx, l.w, l.Definition())
}

var entryColumns = []string{
	"foreign_key_name", "foreign_key_value", "table_name",
	"column_name", "source_table", "run_id", "created_at",
}

// Record appends e. Missing RunID and DetectedAt are filled in.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		e.RunID = l.runID
	}
	if e.DetectedAt.IsZero() {
		e.DetectedAt = l.now().UTC()
	}
	d := l.w.Dialect()
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(l.table),
		strings.Join(storage.QuoteAll(d, entryColumns), ", "),
		strings.Join(storage.Placeholders(d, 1, len(entryColumns)), ", "))
	if err := l.w.Exec(ctx, q, e.Constraint, e.Value, e.Table, e.Column, e.SourceTable, e.RunID, e.DetectedAt); err != nil {
		return fmt.Errorf("ledger: record %s=%s: %w", e.Constraint, e.Value, err)
	}
	return nil
}

// EnsurePlaceholder makes sure table has a row with column = value,
// inserting a labelled placeholder when it does not. created reports
// whether this call found the row missing.
func (l *Ledger) EnsurePlaceholder(ctx context.Context, table, column, value string) (created bool, err error) {
	found, err := storage.Exists(ctx, l.w, table, column, value)
	if err != nil {
		return false, fmt.Errorf("ledger: check %s.%s=%s: %w", table, column, value, err)
	}
	if found {
		return false, nil
	}

	cols := []string{column}
	args := []any{value}
	if label := l.labelColumn(table); label != "" && label != column {
		cols = append(cols, label)
		args = append(args, PlaceholderLabel)
	}
	if err := l.w.Exec(ctx, l.w.Dialect().InsertIgnore(table, cols), args...); err != nil {
		return false, fmt.Errorf("ledger: placeholder %s.%s=%s: %w", table, column, value, err)
	}
	log.Printf("ledger: placeholder created table=%s %s=%s", table, column, value)
	return true, nil
}

// Repair records fk and ensures its placeholder. It returns an error when
// fk does not name a table, column and value.
func (l *Ledger) Repair(ctx context.Context, fk *storage.ForeignKeyError) (created bool, err error) {
	if err := l.Record(ctx, Entry{
		Constraint:  fk.Constraint,
		Value:       fk.Value,
		Table:       fk.Table,
		Column:      fk.Column,
		SourceTable: fk.SourceTable,
	}); err != nil {
		return false, err
	}
	if !fk.Repairable() {
		return false, fmt.Errorf("ledger: cannot derive missing row from %s", fk.Error())
	}
	return l.EnsurePlaceholder(ctx, fk.Table, fk.Column, fk.Value)
}

func (l *Ledger) labelColumn(table string) string {
	if c, ok := l.labels[table]; ok {
		return c
	}
	return DefaultLabelColumn
}
