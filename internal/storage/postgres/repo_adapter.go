package postgres

import (
	"context"

	"odooetl/internal/storage"
)

// newRepository is a test hook that points to NewRepository by default.
var newRepository = NewRepository

// wrappedRepo ties the pool's close func to Warehouse.Close.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

var _ storage.Warehouse = (*wrappedRepo)(nil)

func (w *wrappedRepo) Close() {
	if w.closeFn != nil {
		w.closeFn()
	}
}

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
		r, closeFn, err := newRepository(ctx, Config{
			DSN:      cfg.DSN,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			return nil, err
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}
