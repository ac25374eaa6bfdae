package storage

import "database/sql"

// sqlRows adapts *sql.Rows, whose Close returns an error, to Rows.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

// SQLRows wraps database/sql rows for backends built on database/sql.
func SQLRows(rows *sql.Rows) Rows { return sqlRows{rows} }
