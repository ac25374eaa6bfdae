package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Settings holds all process configuration derived from flags and
// environment variables. All fields are plain values so the struct can be
// safely copied after parsing.
type Settings struct {
	Odoo      OdooSettings
	Warehouse WarehouseSettings
	Watermark WatermarkSettings
	Metrics   MetricsSettings

	PipelinePath string // empty uses the built-in pipeline
	LedgerTable  string

	BatchSize    int  // records per fetch window and upsert slice
	FetchWorkers int  // concurrent fetches per entity
	MaxAttempts  int  // upsert writes per slice, repairs included
	Reconcile    bool // recompute watermarks from the warehouse before running
}

// OdooSettings locates the Odoo instance.
type OdooSettings struct {
	URL                string
	Database           string
	Username           string
	Password           string
	Timeout            time.Duration
	MaxRetries         int
	RequestsPerSecond  float64
	InsecureSkipVerify bool
}

// WarehouseSettings selects the storage backend.
type WarehouseSettings struct {
	Kind     string // postgres, sqlite, mssql, mysql
	DSN      string
	MaxConns int
}

// WatermarkSettings selects where watermarks are persisted.
type WatermarkSettings struct {
	Backend string // file, redis, dynamodb, table

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

// MetricsSettings selects the metrics backend.
type MetricsSettings struct {
	Backend        string // none, pushgateway, datadog
	PushgatewayURL string
	Job            string
	DatadogAddr    string
	Namespace      string
	Tags           []string
}

// Bind defines every setting as a flag on fs, seeding each flag's default
// from the environment through getenv. Values are available once fs has
// been parsed (by cobra, or by Load in tests).
//
// Precedence:
//  1. Environment values seed each flag's default.
//  2. Explicit flags override the seeded defaults.
func Bind(fs *pflag.FlagSet, getenv func(string) string) *Settings {
	s := &Settings{}

	str := func(k, d string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return d
	}
	num := func(k string, d int) int {
		if v := getenv(k); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	flt := func(k string, d float64) float64 {
		if v := getenv(k); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return d
	}
	dur := func(k string, d time.Duration) time.Duration {
		if v := getenv(k); v != "" {
			if x, err := time.ParseDuration(v); err == nil {
				return x
			}
		}
		return d
	}
	boolean := func(k string, d bool) bool {
		switch strings.ToLower(getenv(k)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		return d
	}
	list := func(k string) []string {
		v := getenv(k)
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}

	// Odoo
	fs.StringVar(&s.Odoo.URL, "odoo-url", getenv("ODOO_URL"), "Odoo base URL")
	fs.StringVar(&s.Odoo.Database, "odoo-db", getenv("ODOO_DATABASE"), "Odoo database name")
	fs.StringVar(&s.Odoo.Username, "odoo-user", getenv("ODOO_USERNAME"), "Odoo login")
	fs.StringVar(&s.Odoo.Password, "odoo-password", getenv("ODOO_PASSWORD"), "Odoo password or API key")
	fs.DurationVar(&s.Odoo.Timeout, "odoo-timeout", dur("ODOO_TIMEOUT", 120*time.Second), "per-request timeout")
	fs.IntVar(&s.Odoo.MaxRetries, "odoo-retries", num("ODOO_RETRIES", 3), "retries for transient Odoo failures")
	fs.Float64Var(&s.Odoo.RequestsPerSecond, "odoo-rps", flt("ODOO_RPS", 0), "max Odoo requests per second (0 = unlimited)")
	fs.BoolVar(&s.Odoo.InsecureSkipVerify, "odoo-insecure", boolean("ODOO_INSECURE", false), "skip TLS verification")

	// Warehouse
	fs.StringVar(&s.Warehouse.Kind, "warehouse", str("WAREHOUSE_KIND", "postgres"), "warehouse backend: postgres, sqlite, mssql or mysql")
	fs.StringVar(&s.Warehouse.DSN, "dsn", getenv("WAREHOUSE_DSN"), "warehouse DSN")
	fs.IntVar(&s.Warehouse.MaxConns, "max-conns", num("WAREHOUSE_MAX_CONNS", 4), "warehouse pool size")

	// Watermarks
	fs.StringVar(&s.Watermark.Backend, "watermark-backend", str("WATERMARK_BACKEND", "file"), "file, redis, dynamodb or table")
	fs.StringVar(&s.Watermark.File, "watermark-file", str("WATERMARK_FILE", "db_vars.json"), "state file for the file backend")
	fs.StringVar(&s.Watermark.RedisAddr, "redis-addr", getenv("REDIS_ADDR"), "Redis address for the redis backend")
	fs.StringVar(&s.Watermark.RedisPassword, "redis-password", getenv("REDIS_PASSWORD"), "Redis password")
	fs.IntVar(&s.Watermark.RedisDB, "redis-db", num("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&s.Watermark.RedisKey, "redis-key", getenv("REDIS_KEY"), "Redis hash holding the watermarks")
	fs.StringVar(&s.Watermark.DynamoRegion, "dynamo-region", getenv("AWS_REGION"), "AWS region for the dynamodb backend")
	fs.StringVar(&s.Watermark.DynamoTable, "dynamo-table", getenv("DYNAMO_TABLE"), "DynamoDB table for the dynamodb backend")
	fs.StringVar(&s.Watermark.DynamoKey, "dynamo-key", getenv("DYNAMO_KEY"), "partition key of the watermark item")
	fs.StringVar(&s.Watermark.DynamoEndpoint, "dynamo-endpoint", getenv("DYNAMO_ENDPOINT"), "custom DynamoDB endpoint")
	fs.StringVar(&s.Watermark.Table, "watermark-table", getenv("WATERMARK_TABLE"), "warehouse table for the table backend")

	// Metrics
	fs.StringVar(&s.Metrics.Backend, "metrics", str("METRICS_BACKEND", "none"), "none, pushgateway or datadog")
	fs.StringVar(&s.Metrics.PushgatewayURL, "pushgateway-url", getenv("PUSHGATEWAY_URL"), "Prometheus Pushgateway URL")
	fs.StringVar(&s.Metrics.Job, "metrics-job", str("METRICS_JOB", "odooetl"), "Pushgateway job name")
	fs.StringVar(&s.Metrics.DatadogAddr, "datadog-addr", getenv("DD_AGENT_ADDR"), "DogStatsD address")
	fs.StringVar(&s.Metrics.Namespace, "metrics-namespace", getenv("METRICS_NAMESPACE"), "DogStatsD namespace")
	fs.StringSliceVar(&s.Metrics.Tags, "metrics-tags", list("METRICS_TAGS"), "DogStatsD global tags")

	// Run
	fs.StringVarP(&s.PipelinePath, "pipeline", "p", getenv("PIPELINE_FILE"), "pipeline file (.yaml or .json); built-in when empty")
	fs.StringVar(&s.LedgerTable, "ledger-table", str("LEDGER_TABLE", "missing_data"), "missing-reference ledger table")
	fs.IntVar(&s.BatchSize, "batch-size", num("BATCH_SIZE", 2500), "records per fetch window and upsert slice")
	fs.IntVar(&s.FetchWorkers, "fetch-workers", num("FETCH_WORKERS", 1), "concurrent fetches per entity")
	fs.IntVar(&s.MaxAttempts, "max-attempts", num("MAX_ATTEMPTS", 2), "upsert attempts per slice")
	fs.BoolVar(&s.Reconcile, "reconcile", boolean("RECONCILE", true), "recompute watermarks from the warehouse before running")

	return s
}

// Load binds the settings to fs and parses args. It is the hermetic entry
// point for tests.
func Load(fs *pflag.FlagSet, getenv func(string) string, args []string) (*Settings, error) {
	s := Bind(fs, getenv)
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return s, nil
}
