// Package storage holds the warehouse contract shared by every backend and
// the backend registry.
//
// Backends register a Factory under a kind name in their init functions; the
// CLI blank-imports storage/all and opens a Warehouse with New. The rest of
// the program depends only on the Warehouse interface.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a warehouse backend.
type Config struct {
	Kind     string // "postgres", "sqlite", "mssql", "mysql"
	DSN      string
	MaxConns int // 0 keeps the driver default
}

// Rows is the minimal cursor returned by Warehouse.Query.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Warehouse is a SQL store that supports keyed insert-or-update.
type Warehouse interface {
	// Dialect returns the SQL flavor used to render statements.
	Dialect() Dialect

	// Upsert writes rows (aligned to columns) into table as one unit. On a
	// key conflict every non-key column is overwritten. A referential
	// violation is reported as *ForeignKeyError when the backend can
	// identify it.
	Upsert(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error)

	// Exec runs a statement with dialect placeholders.
	Exec(ctx context.Context, query string, args ...any) error

	// Query runs a statement and returns its rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	Close()
}

// Factory opens a Warehouse for cfg.
type Factory func(ctx context.Context, cfg Config) (Warehouse, error)

// ErrNoBackend is returned by New for an unregistered kind.
var ErrNoBackend = errors.New("storage: no backend registered")

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It panics on duplicate
// registration, which is always a wiring bug.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("storage: Register factory is nil for " + kind)
	}
	if _, dup := factories[kind]; dup {
		panic("storage: Register called twice for " + kind)
	}
	factories[kind] = f
}

// Kinds lists the registered backend names.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens the backend named by cfg.Kind.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrNoBackend, cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
