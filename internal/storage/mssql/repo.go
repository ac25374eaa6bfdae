// Package mssql implements the warehouse on Microsoft SQL Server using
// go-mssqldb. Upsert is a MERGE over a VALUES row constructor, chunked to
// stay below the server's 2100 parameter limit.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"odooetl/internal/storage"
)

// errForeignKey is SQL Server error 547 (constraint conflict).
const errForeignKey = 547

// maxParams stays under the 2100 parameter limit of a single batch.
const maxParams = 2000

// Config holds MSSQL repository configuration.
type Config struct {
	DSN      string
	MaxConns int
}

// Repository is an MSSQL-backed storage.Warehouse.
type Repository struct {
	db *sql.DB
}

var _ storage.Warehouse = (*Repository)(nil)

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return &Repository{db: db}, func() { _ = db.Close() }, nil
}

func (r *Repository) Dialect() storage.Dialect { return storage.MSSQL{} }

// Upsert implements storage.Warehouse.
func (r *Repository) Upsert(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 || len(keys) == 0 {
		return 0, fmt.Errorf("mssql: upsert %s: columns and keys are required", table)
	}
	per := max(1, maxParams/len(columns))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	var total int64
	for start := 0; start < len(rows); start += per {
		chunk := rows[start:min(start+per, len(rows))]
		query, args, err := mergeSQL(table, columns, keys, chunk)
		if err != nil {
			rollback()
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			rollback()
			return 0, r.classify(ctx, table, columns, rows, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// Exec implements storage.Warehouse.
func (r *Repository) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mssql: exec: %w", err)
	}
	return nil
}

// Query implements storage.Warehouse.
func (r *Repository) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: query: %w", err)
	}
	return storage.SQLRows(rows), nil
}

func (r *Repository) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

var (
	reMsConstraint = regexp.MustCompile(`FOREIGN KEY constraint "([^"]+)"`)
	reMsTable      = regexp.MustCompile(`table "([^"]+)"`)
	reMsColumn     = regexp.MustCompile(`column '([^']+)'`)
)

// parseConflict reads the constraint and referenced table/column out of an
// error 547 message. The server does not report the offending value.
func parseConflict(msg string) (constraint, table, column string, ok bool) {
	m := reMsConstraint.FindStringSubmatch(msg)
	if m == nil {
		return "", "", "", false
	}
	constraint = m[1]
	if t := reMsTable.FindStringSubmatch(msg); t != nil {
		table = t[1]
	}
	if c := reMsColumn.FindStringSubmatch(msg); c != nil {
		column = c[1]
	}
	return constraint, table, column, true
}

// classify converts error 547 into a *storage.ForeignKeyError, looking up
// the referencing column in the catalog to find the missing value.
func (r *Repository) classify(ctx context.Context, table string, columns []string, rows [][]any, err error) error {
	var msErr mssql.Error
	if !errors.As(err, &msErr) || msErr.Number != errForeignKey {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	constraint, refTable, refColumn, ok := parseConflict(msErr.Message)
	if !ok {
		// 547 also covers CHECK constraints.
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	fk := &storage.ForeignKeyError{Constraint: constraint, SourceTable: table, Err: err}
	fk.Table, fk.Column, _ = storage.ResolveReference(constraint, refTable)
	if refColumn != "" {
		fk.Column = refColumn
	}

	refs, lookupErr := r.referencesOf(ctx, constraint)
	if lookupErr != nil {
		fk.Err = errors.Join(err, lookupErr)
		return fk
	}
	found, lookupErr := storage.FindMissingReference(ctx, r, table, refs, columns, rows)
	if lookupErr != nil {
		fk.Err = errors.Join(err, lookupErr)
		return fk
	}
	if found != nil {
		fk.Value = found.Value
	}
	return fk
}

const referencesQuery = `SELECT pc.name,
	OBJECT_SCHEMA_NAME(fkc.referenced_object_id) + '.' + OBJECT_NAME(fkc.referenced_object_id),
	rc.name
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
WHERE fk.name = @p1`

func (r *Repository) referencesOf(ctx context.Context, constraint string) ([]storage.ForeignKeyRef, error) {
	rows, err := r.db.QueryContext(ctx, referencesQuery, constraint)
	if err != nil {
		return nil, fmt.Errorf("lookup constraint %s: %w", constraint, err)
	}
	defer rows.Close()
	var refs []storage.ForeignKeyRef
	for rows.Next() {
		ref := storage.ForeignKeyRef{Constraint: constraint}
		if err := rows.Scan(&ref.From, &ref.Table, &ref.To); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// mergeSQL renders one MERGE for rows. Non-key columns are overwritten on
// match; with only key columns matched rows are left alone.
func mergeSQL(table string, columns, keys []string, rows [][]any) (string, []any, error) {
	d := storage.MSSQL{}
	var (
		b    strings.Builder
		args = make([]any, 0, len(rows)*len(columns))
	)
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS T USING (VALUES ", d.Quote(table))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mssql: row %d has %d values for %d columns", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, v)
			b.WriteString(d.Placeholder(len(args)))
		}
		b.WriteByte(')')
	}
	cols := storage.QuoteAll(d, columns)
	fmt.Fprintf(&b, ") AS S (%s) ON ", strings.Join(cols, ", "))

	keySet := make(map[string]struct{}, len(keys))
	on := make([]string, len(keys))
	for i, k := range keys {
		keySet[k] = struct{}{}
		on[i] = fmt.Sprintf("T.%s = S.%s", d.Quote(k), d.Quote(k))
	}
	b.WriteString(strings.Join(on, " AND "))

	var sets []string
	for _, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			sets = append(sets, fmt.Sprintf("T.%s = S.%s", d.Quote(c), d.Quote(c)))
		}
	}
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET " + strings.Join(sets, ", "))
	}
	src := make([]string, len(cols))
	for i, c := range cols {
		src[i] = "S." + c
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(cols, ", "), strings.Join(src, ", "))
	return b.String(), args, nil
}
