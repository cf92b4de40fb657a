// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. A copy run is a batch job with no scrape endpoint, so the
// registry is pushed once when the run ends.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	batchCounter  *prometheus.CounterVec // tspc_batches_total{outcome}
	batchDuration *prometheus.SummaryVec // tspc_batch_duration_seconds{outcome}
	rowCounter    *prometheus.CounterVec // tspc_rows_total{kind}
	byteCounter   prometheus.Counter     // tspc_bytes_total
	runCounter    *prometheus.CounterVec // tspc_runs_total{outcome}
	runDuration   prometheus.Gauge       // tspc_run_duration_seconds
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend constructs a Pushgateway backend. jobName is used as the
// Pushgateway grouping key and defaults to "tsdb-parallel-copy".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "tsdb-parallel-copy"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		batchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Batches finished, partitioned by outcome (success, failed, aborted, skipped).",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.BatchDurationSeconds,
			Help:       "Time spent copying one batch, partitioned by outcome.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"outcome"}),
		rowCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Row counts per kind (attempted, copied, failed, malformed).",
		}, []string{"kind"}),
		byteCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metrics.BytesTotal,
			Help: "Payload bytes handed to the database.",
		}),
		runCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RunsTotal,
			Help: "Copy runs finished, partitioned by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metrics.RunDurationSeconds,
			Help: "Wall-clock duration of the last copy run.",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"batch counter": b.batchCounter,
		"batch summary": b.batchDuration,
		"row counter":   b.rowCounter,
		"byte counter":  b.byteCounter,
		"run counter":   b.runCounter,
		"run duration":  b.runDuration,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

// IncCounter routes known counter names to their collectors and ignores the
// rest.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.BatchesTotal:
		b.batchCounter.WithLabelValues(labels["outcome"]).Add(delta)
	case metrics.RowsTotal:
		b.rowCounter.WithLabelValues(labels["kind"]).Add(delta)
	case metrics.BytesTotal:
		b.byteCounter.Add(delta)
	case metrics.RunsTotal:
		b.runCounter.WithLabelValues(labels["outcome"]).Add(delta)
	}
}

// ObserveHistogram records batch durations in a summary and keeps the last
// run duration as a gauge.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.BatchDurationSeconds:
		b.batchDuration.WithLabelValues(labels["outcome"]).Observe(value)
	case metrics.RunDurationSeconds:
		b.runDuration.Set(value)
	}
}

// Flush pushes the current registry to the Pushgateway, replacing the
// previous push for this job.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
