// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// A sync run is a short-lived batch process, so instead of exposing a scrape
// endpoint the collected series are pushed to a Pushgateway when the run
// finishes. Entity names travel in the "entity" label; the Pushgateway "job"
// grouping key is the instance name passed to NewBackend.
package prompush

import (
	"fmt"

	"odooetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter  *prometheus.CounterVec // etl_step_total
	stepDuration *prometheus.SummaryVec // etl_step_duration_seconds

	recordCounter *prometheus.CounterVec // etl_records_total
	batchCounter  *prometheus.CounterVec // etl_batches_total
	repairCounter *prometheus.CounterVec // etl_fk_repairs_total
	watermark     *prometheus.GaugeVec   // etl_watermark
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name.
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "odooetl"
	}

	reg := prometheus.NewRegistry()

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        reg,
		stepCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_step_total",
				Help: "Sync step executions, partitioned by entity, step and status.",
			},
			[]string{"entity", "step", "status"},
		),
		stepDuration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "etl_step_duration_seconds",
				Help:       "Duration of sync steps in seconds.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"entity", "step", "status"},
		),
		recordCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_records_total",
				Help: "Record counts per entity and kind (fetched, upserted, zero_filled, empty_orders).",
			},
			[]string{"entity", "kind"},
		),
		batchCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_batches_total",
				Help: "Upsert slices written per entity.",
			},
			[]string{"entity"},
		),
		repairCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_fk_repairs_total",
				Help: "Foreign key violations repaired with placeholders.",
			},
			[]string{"entity", "constraint"},
		),
		watermark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etl_watermark",
				Help: "Last committed watermark per key.",
			},
			[]string{"key"},
		),
	}

	for name, c := range map[string]prometheus.Collector{
		"step counter":   b.stepCounter,
		"step summary":   b.stepDuration,
		"record counter": b.recordCounter,
		"batch counter":  b.batchCounter,
		"repair counter": b.repairCounter,
		"watermark":      b.watermark,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	entity := labels["job"]
	switch name {
	case "etl_step_total":
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(entity, labels["step"], labels["status"]).Add(delta)

	case "etl_records_total":
		if b.recordCounter == nil {
			return
		}
		b.recordCounter.WithLabelValues(entity, labels["kind"]).Add(delta)

	case "etl_batches_total":
		if b.batchCounter == nil {
			return
		}
		b.batchCounter.WithLabelValues(entity).Add(delta)

	case "etl_fk_repairs_total":
		if b.repairCounter == nil {
			return
		}
		b.repairCounter.WithLabelValues(entity, labels["constraint"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "etl_step_duration_seconds" || b.stepDuration == nil {
		return
	}
	b.stepDuration.WithLabelValues(labels["job"], labels["step"], labels["status"]).Observe(value)
}

func (b *Backend) SetGauge(name string, value float64, labels metrics.Labels) {
	if name != "etl_watermark" || b.watermark == nil {
		return
	}
	b.watermark.WithLabelValues(labels["key"]).Set(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
