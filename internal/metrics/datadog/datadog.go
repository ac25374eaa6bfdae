// Package datadog sends the sync's step, record, repair and watermark metrics
// to a DogStatsD agent. Labels become "key:value" tags.
package datadog

import (
	"fmt"
	"math"
	"slices"

	"github.com/DataDog/datadog-go/v5/statsd"

	"odooetl/internal/metrics"
)

// Config locates the agent.
type Config struct {
	// Addr is "host:port" or "unix:///path/to/socket".
	Addr string

	// Namespace prefixes every metric name, e.g. "odooetl".
	Namespace string

	// GlobalTags are added to every metric, e.g. "env:prod".
	GlobalTags []string
}

// Backend is a metrics.Backend over a statsd client. The zero value drops
// everything.
type Backend struct {
	client *statsd.Client
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend connects a client to cfg.Addr.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}
	c, err := statsd.New(cfg.Addr, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

func clientOptions(cfg Config) []statsd.Option {
	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	return opts
}

// IncCounter sends a Count. Record and repair deltas are whole numbers;
// anything else is rounded.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Count(name, int64(math.Round(delta)), labelsToTags(labels), 1)
}

// ObserveHistogram sends step durations as a Histogram.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Histogram(name, value, labelsToTags(labels), 1)
}

// SetGauge sends committed watermark values.
func (b *Backend) SetGauge(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Gauge(name, value, labelsToTags(labels), 1)
}

// Flush closes the client, which drains its buffer. Call it once at exit.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// labelsToTags renders labels as sorted "key:value" tags.
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, k+":"+v)
	}
	slices.Sort(out)
	return out
}
