// Package sqlite implements the warehouse on SQLite (modernc.org/sqlite,
// pure Go). It is meant for local runs and hermetic tests.
//
// SQLite allows one writer at a time, so the pool is pinned to a single
// connection. Foreign keys are enforced per connection and are switched on
// at open. SQLite reports only that a foreign key failed, not which one;
// Upsert finds the offending value by checking the table's declared
// references against the batch.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"odooetl/internal/storage"
)

// sqliteConstraintForeignKey is SQLITE_CONSTRAINT_FOREIGNKEY.
const sqliteConstraintForeignKey = 787

// Repository is a SQLite-backed storage.Warehouse.
type Repository struct {
	db *sql.DB
}

var _ storage.Warehouse = (*Repository)(nil)

// Open opens dsn with a single connection and foreign keys enabled.
func Open(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	return db, nil
}

// New wraps an open database.
func New(db *sql.DB) *Repository { return &Repository{db: db} }

// NewRepository opens cfg.DSN and returns a Repository plus its close func.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	db, err := Open(cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return New(db), func() { db.Close() }, nil
}

func (r *Repository) Dialect() storage.Dialect { return storage.SQLite{} }

// Upsert implements storage.Warehouse with one prepared
// INSERT ... ON CONFLICT DO UPDATE per row inside a single transaction.
func (r *Repository) Upsert(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 || len(keys) == 0 {
		return 0, fmt.Errorf("sqlite: upsert %s: columns and keys are required", table)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsertSQL(table, columns, keys))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare upsert %s: %w", table, err)
	}
	defer stmt.Close()

	var written int64
	for i, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: row %d has %d values for %d columns", i, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			if isForeignKeyError(err) {
				return 0, r.diagnose(ctx, table, columns, rows, err)
			}
			return 0, fmt.Errorf("sqlite: upsert %s: %w", table, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		if isForeignKeyError(err) {
			return 0, r.diagnose(ctx, table, columns, rows, err)
		}
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return written, nil
}

// diagnose runs after the failed transaction is rolled back, since the
// single connection is needed for the lookups.
func (r *Repository) diagnose(ctx context.Context, table string, columns []string, rows [][]any, cause error) error {
	refs, err := r.foreignKeys(ctx, table)
	if err != nil {
		return &storage.ForeignKeyError{SourceTable: table, Err: errors.Join(cause, err)}
	}
	fk, err := storage.FindMissingReference(ctx, r, table, refs, columns, rows)
	if err != nil {
		return &storage.ForeignKeyError{SourceTable: table, Err: errors.Join(cause, err)}
	}
	if fk == nil {
		return &storage.ForeignKeyError{SourceTable: table, Err: cause}
	}
	fk.Err = cause
	return fk
}

// foreignKeys lists the declared references of table.
func (r *Repository) foreignKeys(ctx context.Context, table string) ([]storage.ForeignKeyRef, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", storage.SQLite{}.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: foreign_key_list %s: %w", table, err)
	}
	defer rows.Close()

	var refs []storage.ForeignKeyRef
	for rows.Next() {
		var (
			id, seq                   int
			refTable, from            string
			to                        sql.NullString
			onUpdate, onDelete, match string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("sqlite: scan foreign_key_list: %w", err)
		}
		refs = append(refs, storage.ForeignKeyRef{From: from, Table: refTable, To: to.String})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range refs {
		if refs[i].To != "" {
			continue
		}
		pk, err := r.primaryKey(ctx, refs[i].Table)
		if err != nil {
			return nil, err
		}
		refs[i].To = pk
	}
	return refs, nil
}

// primaryKey returns the first primary key column of table, used when a
// reference omits the target column.
func (r *Repository) primaryKey(ctx context.Context, table string) (string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", storage.SQLite{}.Quote(table)))
	if err != nil {
		return "", fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return "", fmt.Errorf("sqlite: scan table_info: %w", err)
		}
		if pk == 1 {
			return name, nil
		}
	}
	return "rowid", rows.Err()
}

// Exec implements storage.Warehouse.
func (r *Repository) Exec(ctx context.Context, query string, args ...any) error {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

// Query implements storage.Warehouse.
func (r *Repository) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	return storage.SQLRows(rows), nil
}

func (r *Repository) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

func upsertSQL(table string, columns, keys []string) string {
	d := storage.SQLite{}
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var sets []string
	for _, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c)))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.Quote(table),
		strings.Join(storage.QuoteAll(d, columns), ", "),
		strings.Join(storage.Placeholders(d, 1, len(columns)), ", "),
		strings.Join(storage.QuoteAll(d, keys), ", "),
		action)
}

func isForeignKeyError(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) && coded.Code() == sqliteConstraintForeignKey {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
