// Package postgres implements the warehouse on PostgreSQL using pgx v5.
//
// Upsert stages the rows in a transaction-scoped temporary table shaped like
// the target, then moves them with a single INSERT ... SELECT ... ON CONFLICT
// DO UPDATE. Statements run in the simple query protocol so that values are
// sent as literals and coerced by the server to the column types.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"odooetl/internal/storage"
)

// foreignKeyViolation is SQLSTATE 23503.
const foreignKeyViolation = "23503"

// stageChunk bounds the rows per staging INSERT statement.
const stageChunk = 500

// Config holds Postgres repository configuration.
type Config struct {
	DSN      string
	MaxConns int32
}

// pgPool is the subset of *pgxpool.Pool used by Repository.
type pgPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Repository is a Postgres-backed storage.Warehouse.
type Repository struct {
	pool pgPool
}

var _ storage.Warehouse = (*Repository)(nil)

// NewRepository opens a pool and returns a Repository plus its close func.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return &Repository{pool: pool}, pool.Close, nil
}

func (r *Repository) Dialect() storage.Dialect { return storage.Postgres{} }

// Upsert implements storage.Warehouse.
func (r *Repository) Upsert(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 || len(keys) == 0 {
		return 0, fmt.Errorf("postgres: upsert %s: columns and keys are required", table)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tmp := stagingName(table)
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgIdent(tmp), pgFQN(table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("create staging for %s: %w", table, err)
	}

	for start := 0; start < len(rows); start += stageChunk {
		end := min(start+stageChunk, len(rows))
		sql, args, err := stageInsert(tmp, columns, rows[start:end])
		if err != nil {
			return 0, err
		}
		args = append([]any{pgx.QueryExecModeSimpleProtocol}, args...)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return 0, fmt.Errorf("stage rows %d-%d into %s: %w", start, end, table, err)
		}
	}

	tag, err := tx.Exec(ctx, upsertSQL(table, tmp, columns, keys))
	if err != nil {
		return 0, classify(table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify(table, err)
	}
	return tag.RowsAffected(), nil
}

// Exec implements storage.Warehouse.
func (r *Repository) Exec(ctx context.Context, sql string, args ...any) error {
	args = append([]any{pgx.QueryExecModeSimpleProtocol}, args...)
	if _, err := r.pool.Exec(ctx, sql, args...); err != nil {
		return classify("", err)
	}
	return nil
}

// Query implements storage.Warehouse. pgx.Rows already satisfies
// storage.Rows.
func (r *Repository) Query(ctx context.Context, sql string, args ...any) (storage.Rows, error) {
	args = append([]any{pgx.QueryExecModeSimpleProtocol}, args...)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Close releases the pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// classify turns SQLSTATE 23503 into a *storage.ForeignKeyError carrying the
// driver's own constraint and table names.
func classify(table string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != foreignKeyViolation {
		if table == "" {
			return err
		}
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	value, refTable := storage.ParseKeyDetail(pgErr.Detail)
	fk := &storage.ForeignKeyError{
		Constraint:  pgErr.ConstraintName,
		Value:       value,
		SourceTable: table,
		Err:         err,
	}
	if fk.SourceTable == "" {
		fk.SourceTable = pgErr.TableName
	}
	fk.Table, fk.Column, _ = storage.ResolveReference(pgErr.ConstraintName, refTable)
	return fk
}

func stagingName(table string) string {
	return "tmp_" + strings.NewReplacer(".", "_", `"`, "").Replace(table)
}

func stageInsert(tmp string, columns []string, rows [][]any) (string, []any, error) {
	var (
		b    strings.Builder
		args = make([]any, 0, len(rows)*len(columns))
	)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", pgIdent(tmp), strings.Join(mapIdent(columns), ", "))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("postgres: row %d has %d values for %d columns", i, len(row), len(columns))
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
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}
	return b.String(), args, nil
}

// upsertSQL moves staged rows into table. Every non-key column is
// overwritten on conflict; with only key columns the conflict is ignored.
func upsertSQL(table, tmp string, columns, keys []string) string {
	cols := strings.Join(mapIdent(columns), ", ")
	action := "DO NOTHING"
	if sets := updateColumns(nonKey(columns, keys)); len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		pgFQN(table), cols, cols, pgIdent(tmp), strings.Join(mapIdent(keys), ", "), action)
}

// updateColumns generates "col = EXCLUDED.col" fragments.
func updateColumns(cols []string) []string {
	var updates []string
	for _, col := range cols {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(col), pgIdent(col)))
	}
	return updates
}

func nonKey(columns, keys []string) []string {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var out []string
	for _, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			out = append(out, c)
		}
	}
	return out
}

func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "public.dim_branches".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
