package storage

import (
	"context"
	"fmt"
	"strings"
)

// ColumnType is the portable set of column types used by the tables this
// program owns (ledger, watermarks).
type ColumnType int

const (
	TypeSerial ColumnType = iota // auto-increment integer primary key
	TypeBigInt
	TypeText
	TypeTimestamp
)

// Column is one column of a TableDef.
type Column struct {
	Name    string
	Type    ColumnType
	NotNull bool
}

// TableDef describes a table to create when missing.
type TableDef struct {
	Name       string
	Columns    []Column
	PrimaryKey []string // ignored when a TypeSerial column is present
}

// Dialect renders backend-specific SQL.
type Dialect interface {
	Name() string

	// Quote quotes an identifier; dotted names are quoted per part.
	Quote(name string) string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string

	// CreateTable renders an idempotent CREATE TABLE for td.
	CreateTable(td TableDef) string

	// InsertIgnore renders a single-row insert into table that silently
	// does nothing when the row conflicts with an existing key.
	InsertIgnore(table string, columns []string) string

	// ExistsQuery renders a query returning one row when table has a row
	// whose column equals the first parameter.
	ExistsQuery(table, column string) string

	// MaxQuery renders a query returning the maximum integer id in
	// table.column. With a non-empty prefix only values starting with the
	// prefix count, and the numeric remainder is compared; the prefix is the
	// first parameter.
	MaxQuery(table, column, prefix string) string
}

// QuoteAll quotes every name with d.
func QuoteAll(d Dialect, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.Quote(n)
	}
	return out
}

// Placeholders returns n placeholders starting at index from (1-based).
func Placeholders(d Dialect, from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.Placeholder(from + i)
	}
	return out
}

// quoteFQN splits a dotted name and quotes each part with quote.
func quoteFQN(name string, quote func(string) string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}

// EnsureTable creates td when it does not exist yet.
func EnsureTable(ctx context.Context, w Warehouse, td TableDef) error {
	if err := w.Exec(ctx, w.Dialect().CreateTable(td)); err != nil {
		return fmt.Errorf("create table %s: %w", td.Name, err)
	}
	return nil
}

// Exists reports whether table has a row with column = value.
func Exists(ctx context.Context, w Warehouse, table, column string, value any) (bool, error) {
	rows, err := w.Query(ctx, w.Dialect().ExistsQuery(table, column), value)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// MaxID returns the highest id stored in table.column, 0 for an empty table.
// See Dialect.MaxQuery for prefix handling.
func MaxID(ctx context.Context, w Warehouse, table, column, prefix string) (int64, error) {
	q := w.Dialect().MaxQuery(table, column, prefix)
	var args []any
	if prefix != "" {
		args = append(args, prefix)
	}
	rows, err := w.Query(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var max *int64
	if rows.Next() {
		if err := rows.Scan(&max); err != nil {
			return 0, fmt.Errorf("scan max(%s.%s): %w", table, column, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Postgres is the PostgreSQL dialect.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Quote(name string) string { return quoteFQN(name, pgIdent) }

func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d Postgres) CreateTable(td TableDef) string {
	return createTable(d, td, "CREATE TABLE IF NOT EXISTS ", func(c Column) string {
		switch c.Type {
		case TypeSerial:
			return "BIGSERIAL PRIMARY KEY"
		case TypeBigInt:
			return "BIGINT"
		case TypeTimestamp:
			return "TIMESTAMPTZ"
		default:
			return "TEXT"
		}
	})
}

func (d Postgres) InsertIgnore(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		d.Quote(table), strings.Join(QuoteAll(d, columns), ", "),
		strings.Join(Placeholders(d, 1, len(columns)), ", "))
}

func (d Postgres) ExistsQuery(table, column string) string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1 LIMIT 1", d.Quote(table), d.Quote(column))
}

func (d Postgres) MaxQuery(table, column, prefix string) string {
	col := d.Quote(column)
	if prefix == "" {
		return fmt.Sprintf("SELECT MAX(%s)::BIGINT FROM %s", col, d.Quote(table))
	}
	from := len(prefix) + 1
	return fmt.Sprintf(
		"SELECT MAX(CAST(SUBSTRING(%[1]s FROM %[2]d) AS BIGINT)) FROM %[3]s "+
			"WHERE LEFT(%[1]s, %[4]d) = $1 AND SUBSTRING(%[1]s FROM %[2]d) ~ '^[0-9]+$'",
		col, from, d.Quote(table), len(prefix))
}

// SQLite is the SQLite dialect.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Quote(name string) string { return quoteFQN(name, pgIdent) }

func (SQLite) Placeholder(int) string { return "?" }

func (d SQLite) CreateTable(td TableDef) string {
	return createTable(d, td, "CREATE TABLE IF NOT EXISTS ", func(c Column) string {
		switch c.Type {
		case TypeSerial:
			return "INTEGER PRIMARY KEY AUTOINCREMENT"
		case TypeBigInt:
			return "INTEGER"
		case TypeTimestamp:
			return "TIMESTAMP"
		default:
			return "TEXT"
		}
	})
}

func (d SQLite) InsertIgnore(table string, columns []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(QuoteAll(d, columns), ", "),
		strings.Join(Placeholders(d, 1, len(columns)), ", "))
}

func (d SQLite) ExistsQuery(table, column string) string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", d.Quote(table), d.Quote(column))
}

func (d SQLite) MaxQuery(table, column, prefix string) string {
	col := d.Quote(column)
	if prefix == "" {
		return fmt.Sprintf("SELECT MAX(CAST(%s AS INTEGER)) FROM %s", col, d.Quote(table))
	}
	from := len(prefix) + 1
	return fmt.Sprintf(
		"SELECT MAX(CAST(substr(%[1]s, %[2]d) AS INTEGER)) FROM %[3]s "+
			"WHERE substr(%[1]s, 1, %[4]d) = ? AND substr(%[1]s, %[2]d) <> '' "+
			"AND substr(%[1]s, %[2]d) NOT GLOB '*[^0-9]*'",
		col, from, d.Quote(table), len(prefix))
}

// MSSQL is the SQL Server dialect.
type MSSQL struct{}

func (MSSQL) Name() string { return "mssql" }

func (MSSQL) Quote(name string) string { return quoteFQN(name, msIdent) }

func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

func (MSSQL) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (d MSSQL) CreateTable(td TableDef) string {
	name := strings.ReplaceAll(td.Name, "'", "''")
	prefix := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE ", name)
	return createTable(d, td, prefix, func(c Column) string {
		switch c.Type {
		case TypeSerial:
			return "BIGINT IDENTITY(1,1) PRIMARY KEY"
		case TypeBigInt:
			return "BIGINT"
		case TypeTimestamp:
			return "DATETIME2"
		default:
			if c.NotNull {
				// key columns cannot be MAX
				return "NVARCHAR(450)"
			}
			return "NVARCHAR(MAX)"
		}
	})
}

func (d MSSQL) InsertIgnore(table string, columns []string) string {
	ph := Placeholders(d, 1, len(columns))
	src := make([]string, len(columns))
	for i, c := range columns {
		src[i] = fmt.Sprintf("%s AS %s", ph[i], d.Quote(c))
	}
	// Only the first column is the key being placed.
	return fmt.Sprintf(
		"INSERT INTO %[1]s (%[2]s) SELECT %[3]s WHERE NOT EXISTS (SELECT 1 FROM %[1]s WITH (UPDLOCK, HOLDLOCK) WHERE %[4]s = %[5]s)",
		d.Quote(table), strings.Join(QuoteAll(d, columns), ", "), strings.Join(src, ", "),
		d.Quote(columns[0]), ph[0])
}

func (d MSSQL) ExistsQuery(table, column string) string {
	return fmt.Sprintf("SELECT TOP 1 1 FROM %s WHERE %s = @p1", d.Quote(table), d.Quote(column))
}

func (d MSSQL) MaxQuery(table, column, prefix string) string {
	col := d.Quote(column)
	if prefix == "" {
		return fmt.Sprintf("SELECT CAST(MAX(%s) AS BIGINT) FROM %s", col, d.Quote(table))
	}
	from := len(prefix) + 1
	return fmt.Sprintf(
		"SELECT MAX(TRY_CAST(SUBSTRING(%[1]s, %[2]d, 64) AS BIGINT)) FROM %[3]s WHERE LEFT(%[1]s, %[4]d) = @p1",
		col, from, d.Quote(table), len(prefix))
}

// MySQL is the MySQL/MariaDB dialect.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Quote(name string) string { return quoteFQN(name, myIdent) }

func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

func (MySQL) Placeholder(int) string { return "?" }

func (d MySQL) CreateTable(td TableDef) string {
	return createTable(d, td, "CREATE TABLE IF NOT EXISTS ", func(c Column) string {
		switch c.Type {
		case TypeSerial:
			return "BIGINT AUTO_INCREMENT PRIMARY KEY"
		case TypeBigInt:
			return "BIGINT"
		case TypeTimestamp:
			return "DATETIME(6)"
		default:
			if c.NotNull {
				// TEXT cannot be part of a key without a prefix length
				return "VARCHAR(255)"
			}
			return "TEXT"
		}
	})
}

// InsertIgnore avoids INSERT IGNORE, which also downgrades foreign key
// failures to warnings.
func (d MySQL) InsertIgnore(table string, columns []string) string {
	key := d.Quote(columns[0])
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s = %s",
		d.Quote(table), strings.Join(QuoteAll(d, columns), ", "),
		strings.Join(Placeholders(d, 1, len(columns)), ", "), key, key)
}

func (d MySQL) ExistsQuery(table, column string) string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", d.Quote(table), d.Quote(column))
}

func (d MySQL) MaxQuery(table, column, prefix string) string {
	col := d.Quote(column)
	if prefix == "" {
		return fmt.Sprintf("SELECT CAST(MAX(%s) AS SIGNED) FROM %s", col, d.Quote(table))
	}
	from := len(prefix) + 1
	return fmt.Sprintf(
		"SELECT MAX(CAST(SUBSTRING(%[1]s, %[2]d) AS SIGNED)) FROM %[3]s "+
			"WHERE LEFT(%[1]s, %[4]d) = ? AND SUBSTRING(%[1]s, %[2]d) REGEXP '^[0-9]+$'",
		col, from, d.Quote(table), len(prefix))
}

func createTable(d Dialect, td TableDef, prefix string, typeOf func(Column) string) string {
	var (
		defs   []string
		serial bool
	)
	for _, c := range td.Columns {
		def := d.Quote(c.Name) + " " + typeOf(c)
		if c.Type == TypeSerial {
			serial = true
		} else if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if !serial && len(td.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(QuoteAll(d, td.PrimaryKey), ", ")+")")
	}
	return prefix + d.Quote(td.Name) + " (" + strings.Join(defs, ", ") + ")"
}
