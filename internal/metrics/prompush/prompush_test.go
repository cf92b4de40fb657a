package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics"
)

// readCounterValue reads the current value of a Counter for assertions.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	require.NotNil(t, m.GetCounter(), "metric did not contain Counter value")
	return m.GetCounter().GetValue()
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	_, err := NewBackend("job", "")
	require.Error(t, err)

	b, err := NewBackend("", "http://pushgateway:9091")
	require.NoError(t, err)
	assert.Equal(t, "tsdb-parallel-copy", b.jobName)

	b, err = NewBackend("nightly-load", "http://pushgateway:9091")
	require.NoError(t, err)
	assert.Equal(t, "nightly-load", b.jobName)
}

func TestRouting(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("j", "http://pushgateway:9091")
	require.NoError(t, err)

	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"outcome": "success"})
	b.IncCounter(metrics.BatchesTotal, 2, metrics.Labels{"outcome": "success"})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"outcome": "failed"})
	b.IncCounter(metrics.RowsTotal, 500, metrics.Labels{"kind": metrics.KindCopied})
	b.IncCounter(metrics.BytesTotal, 2048, nil)
	b.IncCounter("unknown_metric", 99, nil)
	b.ObserveHistogram(metrics.RunDurationSeconds, 12.5, nil)
	b.ObserveHistogram(metrics.BatchDurationSeconds, 0.3, metrics.Labels{"outcome": "success"})

	assert.Equal(t, 3.0, readCounterValue(t, b.batchCounter.WithLabelValues("success")))
	assert.Equal(t, 1.0, readCounterValue(t, b.batchCounter.WithLabelValues("failed")))
	assert.Equal(t, 500.0, readCounterValue(t, b.rowCounter.WithLabelValues(metrics.KindCopied)))
	assert.Equal(t, 2048.0, readCounterValue(t, b.byteCounter))

	m := &dto.Metric{}
	require.NoError(t, b.runDuration.Write(m))
	assert.Equal(t, 12.5, m.GetGauge().GetValue())

	sm := &dto.Metric{}
	obs, ok := b.batchDuration.WithLabelValues("success").(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, obs.Write(sm))
	assert.Equal(t, uint64(1), sm.GetSummary().GetSampleCount())
}

func TestFlush_PushesToGateway(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("copy-job", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RowsTotal, 10, metrics.Labels{"kind": metrics.KindCopied})

	require.NoError(t, b.Flush())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/copy-job", path)
	assert.True(t, strings.Contains(body, metrics.RowsTotal), "pushed body should carry the row counter")
}

func TestFlush_GatewayError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("copy-job", srv.URL)
	require.NoError(t, err)
	assert.Error(t, b.Flush())
}
