package sqlite

// Config holds SQLite repository configuration derived from storage.Config.
type Config struct {
	// DSN is a SQLite file path or URI, e.g. "warehouse.db" or
	// "file:warehouse.db?_pragma=busy_timeout(5000)". ":memory:" is
	// accepted for tests.
	DSN string
}
