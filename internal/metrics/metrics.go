// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from the ETL pipeline.
//
// The package is intentionally minimal and opinionated:
//
//   - It exposes a narrow interface (Backend) focused on counters, gauges
//     and timing data (histograms).
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - It is designed to mirror the storage abstraction pattern used elsewhere
//     in the project (storage.Warehouse), allowing the rest of the codebase
//     to depend only on this interface while keeping concrete metric systems
//     isolated in subpackages.
//
// The primary use case is instrumentation of the sync stages (extract,
// upsert, watermark commit) without coupling the core application logic to a
// specific metrics system such as Prometheus or Datadog.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
// It is intentionally generic so we can plug in Prometheus, Datadog, etc.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// SetGauge sets a point-in-time value.
	SetGauge(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) SetGauge(name string, value float64, labels Labels)         {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep is a convenience for the common pattern:
// measure latency + success/failure per sync step (e.g. job=sales step=extract).
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}

	backend.IncCounter("etl_step_total", 1, lbls)
	backend.ObserveHistogram("etl_step_duration_seconds", d.Seconds(), lbls)
}

// Record kinds for RecordRow.
const (
	KindFetched     = "fetched"      // records read from the remote source
	KindUpserted    = "upserted"     // records written to the warehouse
	KindZeroFilled  = "zero_filled"  // synthesized existence-gap rows
	KindEmptyOrders = "empty_orders" // orders the source returned no lines for
)

// RecordRow increments a record-level counter for the given job and kind,
// one of the Kind constants.
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("etl_records_total", float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments a batch-level counter for the given job (one per
// upsert slice).
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("etl_batches_total", float64(delta), Labels{
		"job": job,
	})
}

// RecordRepair counts one foreign key violation seen while loading table.
func RecordRepair(table, constraint string) {
	backend.IncCounter("etl_fk_repairs_total", 1, Labels{
		"job":        table,
		"constraint": constraint,
	})
}

// SetWatermark publishes the committed watermark for key.
func SetWatermark(key string, value int64) {
	backend.SetGauge("etl_watermark", float64(value), Labels{
		"key": key,
	})
}
