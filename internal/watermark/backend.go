package watermark

import (
	"context"
	"fmt"
	"time"

	"odooetl/internal/storage"
)

// Config selects and configures a Backend.
type Config struct {
	Kind string // file, redis, dynamodb, table

	File string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	DynamoRegion   string
	DynamoTable    string
	DynamoKey      string
	DynamoEndpoint string

	Table string
}

// Kinds lists the accepted Config.Kind values.
var Kinds = []string{"file", "redis", "dynamodb", "table"}

// Open builds the backend named by cfg.Kind. w is only used by the table
// backend. The returned close func is never nil.
func Open(ctx context.Context, cfg Config, w storage.Warehouse) (Backend, func(), error) {
	nop := func() {}
	switch cfg.Kind {
	case "", "file":
		path := cfg.File
		if path == "" {
			path = "db_vars.json"
		}
		return FileBackend{Path: path}, nop, nil
	case "redis":
		b, err := NewRedisBackend(ctx, RedisConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Key:         cfg.RedisKey,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nop, err
		}
		return b, func() { _ = b.Close() }, nil
	case "dynamodb":
		b, err := NewDynamoBackend(ctx, DynamoConfig{
			Region:   cfg.DynamoRegion,
			Table:    cfg.DynamoTable,
			Key:      cfg.DynamoKey,
			Endpoint: cfg.DynamoEndpoint,
		})
		if err != nil {
			return nil, nop, err
		}
		return b, nop, nil
	case "table":
		if w == nil {
			return nil, nop, fmt.Errorf("watermark: table backend needs a warehouse")
		}
		return TableBackend{W: w, Table: cfg.Table}, nop, nil
	default:
		return nil, nop, fmt.Errorf("watermark: unknown backend %q (want one of %v)", cfg.Kind, Kinds)
	}
}
