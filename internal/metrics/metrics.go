// Package metrics is a small, backend-agnostic layer for recording copy-run
// metrics. Callers record through the package functions; a concrete backend
// (Prometheus Pushgateway, DogStatsD) is installed once at startup with
// SetBackend. Until then every call goes to a no-op backend, so recording is
// always safe.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metric names shared by all backends.
const (
	BatchesTotal         = "tspc_batches_total"
	RowsTotal            = "tspc_rows_total"
	BytesTotal           = "tspc_bytes_total"
	BatchDurationSeconds = "tspc_batch_duration_seconds"
	RunsTotal            = "tspc_runs_total"
	RunDurationSeconds   = "tspc_run_duration_seconds"
)

// Row kinds used with RowsTotal.
const (
	KindCopied    = "copied"
	KindAttempted = "attempted"
	KindFailed    = "failed"
	KindMalformed = "malformed"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

type holder struct{ Backend }

var backend atomic.Value

func init() { backend.Store(holder{nopBackend{}}) }

func current() Backend { return backend.Load().(holder).Backend }

// SetBackend installs a concrete backend and returns the previous one.
// Passing nil keeps the existing backend.
func SetBackend(b Backend) Backend {
	prev := current()
	if b != nil {
		backend.Store(holder{b})
	}
	return prev
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordBatch records one finished batch: a batch counter and a duration
// observation labelled by outcome, plus row and byte counters.
func RecordBatch(job, outcome string, attempted, copied int64, bytes int, d time.Duration) {
	b := current()
	lbls := Labels{"job": job, "outcome": outcome}
	b.IncCounter(BatchesTotal, 1, lbls)
	b.ObserveHistogram(BatchDurationSeconds, d.Seconds(), lbls)
	if bytes > 0 {
		b.IncCounter(BytesTotal, float64(bytes), Labels{"job": job})
	}

	RecordRows(job, KindAttempted, attempted)
	RecordRows(job, KindCopied, copied)
	if outcome == "failed" {
		RecordRows(job, KindFailed, attempted)
	}
}

// RecordRows increments the row counter for the given job and kind.
func RecordRows(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordRun records the end of a copy run.
func RecordRun(job, outcome string, d time.Duration) {
	b := current()
	lbls := Labels{"job": job, "outcome": outcome}
	b.IncCounter(RunsTotal, 1, lbls)
	b.ObserveHistogram(RunDurationSeconds, d.Seconds(), lbls)
}
