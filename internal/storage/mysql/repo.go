// Package mysql implements the warehouse on MySQL or MariaDB using
// go-sql-driver/mysql. Upsert is a multi-row INSERT ... ON DUPLICATE KEY
// UPDATE, chunked below the protocol's placeholder limit.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	"odooetl/internal/storage"
)

// Server errors for a child row whose parent is missing.
const (
	errNoReferencedRow  = 1216
	errNoReferencedRow2 = 1452
)

// maxParams stays under the 65535 placeholders of one prepared statement.
const maxParams = 60000

// Config holds MySQL repository configuration.
type Config struct {
	DSN      string
	MaxConns int
}

// Repository is a MySQL-backed storage.Warehouse.
type Repository struct {
	db *sql.DB
}

var _ storage.Warehouse = (*Repository)(nil)

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	dsn, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql dsn: %w", err)
	}
	// DATETIME columns come back as time.Time like the other backends.
	dsn.ParseTime = true
	db, err := sql.Open("mysql", dsn.FormatDSN())
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

func (r *Repository) Dialect() storage.Dialect { return storage.MySQL{} }

// Upsert implements storage.Warehouse.
func (r *Repository) Upsert(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 || len(keys) == 0 {
		return 0, fmt.Errorf("mysql: upsert %s: columns and keys are required", table)
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
		query, args, err := upsertSQL(table, columns, keys, chunk)
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
		return fmt.Errorf("mysql: exec: %w", err)
	}
	return nil
}

// Query implements storage.Warehouse.
func (r *Repository) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: query: %w", err)
	}
	return storage.SQLRows(rows), nil
}

func (r *Repository) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

var reMyForeignKey = regexp.MustCompile(
	"CONSTRAINT `([^`]+)` FOREIGN KEY \\(([^)]+)\\) REFERENCES `([^`]+)` \\(([^)]+)\\)")

// parseConflict reads the constraint and the first referencing and
// referenced columns out of an error 1452 message:
//
//	Cannot add or update a child row: a foreign key constraint fails
//	(`dw`.`lines`, CONSTRAINT `fk_x` FOREIGN KEY (`product_id`) REFERENCES `products` (`id`))
//
// The server does not report the offending value.
func parseConflict(msg string) (ref storage.ForeignKeyRef, ok bool) {
	m := reMyForeignKey.FindStringSubmatch(msg)
	if m == nil {
		return ref, false
	}
	return storage.ForeignKeyRef{
		Constraint: m[1],
		From:       firstIdent(m[2]),
		Table:      m[3],
		To:         firstIdent(m[4]),
	}, true
}

func firstIdent(list string) string {
	first, _, _ := strings.Cut(list, ",")
	return strings.Trim(strings.TrimSpace(first), "`")
}

// classify converts a missing-parent error into a *storage.ForeignKeyError,
// probing the batch for the value that has no parent row.
func (r *Repository) classify(ctx context.Context, table string, columns []string, rows [][]any, err error) error {
	var myErr *driver.MySQLError
	if !errors.As(err, &myErr) || (myErr.Number != errNoReferencedRow2 && myErr.Number != errNoReferencedRow) {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	ref, ok := parseConflict(myErr.Message)
	if !ok {
		// 1216 carries no constraint details.
		return &storage.ForeignKeyError{SourceTable: table, Err: err}
	}
	fk := &storage.ForeignKeyError{
		Constraint:  ref.Constraint,
		Table:       ref.Table,
		Column:      ref.To,
		SourceTable: table,
		Err:         err,
	}
	found, lookupErr := storage.FindMissingReference(ctx, r, table, []storage.ForeignKeyRef{ref}, columns, rows)
	if lookupErr != nil {
		fk.Err = errors.Join(err, lookupErr)
		return fk
	}
	if found != nil {
		fk.Value = found.Value
	}
	return fk
}

// upsertSQL renders one INSERT for rows. Non-key columns are overwritten on
// a duplicate key; with only key columns the duplicate is left alone.
func upsertSQL(table string, columns, keys []string, rows [][]any) (string, []any, error) {
	d := storage.MySQL{}
	cols := storage.QuoteAll(d, columns)
	tuple := "(" + strings.Join(storage.Placeholders(d, 1, len(columns)), ", ") + ")"

	var (
		b    strings.Builder
		args = make([]any, 0, len(rows)*len(columns))
	)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Quote(table), strings.Join(cols, ", "))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mysql: row %d has %d values for %d columns", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, row...)
	}

	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var sets []string
	for i, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", cols[i], cols[i]))
		}
	}
	if len(sets) == 0 {
		k := d.Quote(keys[0])
		sets = []string{k + " = " + k}
	}
	b.WriteString(" ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "))
	return b.String(), args, nil
}
