package metrics

import (
	"sync"
	"testing"
	"time"
)

// fakeBackend is a simple in-memory Backend implementation for tests.
type fakeBackend struct {
	mu sync.Mutex

	counters   []counterCall
	histograms []histCall
	flushCount int
}

type counterCall struct {
	name   string
	delta  float64
	labels Labels
}

type histCall struct {
	name   string
	value  float64
	labels Labels
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, counterCall{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histograms = append(f.histograms, histCall{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	return nil
}

func (f *fakeBackend) sum(name, key, value string) float64 {
	var total float64
	for _, c := range f.counters {
		if c.name == name && (key == "" || c.labels[key] == value) {
			total += c.delta
		}
	}
	return total
}

func install(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	prev := SetBackend(fb)
	t.Cleanup(func() { SetBackend(prev) })
	return fb
}

func TestRecordBatch_Success(t *testing.T) {
	fb := install(t)

	RecordBatch("job1", "success", 100, 100, 4096, 250*time.Millisecond)

	if got := fb.sum(BatchesTotal, "outcome", "success"); got != 1 {
		t.Fatalf("batches{outcome=success} = %v, want 1", got)
	}
	if got := fb.sum(RowsTotal, "kind", KindCopied); got != 100 {
		t.Fatalf("rows{kind=copied} = %v, want 100", got)
	}
	if got := fb.sum(RowsTotal, "kind", KindAttempted); got != 100 {
		t.Fatalf("rows{kind=attempted} = %v, want 100", got)
	}
	if got := fb.sum(RowsTotal, "kind", KindFailed); got != 0 {
		t.Fatalf("rows{kind=failed} = %v, want 0", got)
	}
	if got := fb.sum(BytesTotal, "", ""); got != 4096 {
		t.Fatalf("bytes = %v, want 4096", got)
	}
	if len(fb.histograms) != 1 {
		t.Fatalf("expected 1 histogram call, got %d", len(fb.histograms))
	}
	h := fb.histograms[0]
	if h.name != BatchDurationSeconds || h.value < 0.249 || h.value > 0.251 {
		t.Fatalf("histogram = %#v; want %s ~0.25", h, BatchDurationSeconds)
	}
	if h.labels["job"] != "job1" {
		t.Fatalf("histogram labels = %v; want job=job1", h.labels)
	}
}

func TestRecordBatch_Failed(t *testing.T) {
	fb := install(t)

	RecordBatch("job1", "failed", 50, 0, 1000, time.Second)

	if got := fb.sum(RowsTotal, "kind", KindFailed); got != 50 {
		t.Fatalf("rows{kind=failed} = %v, want 50", got)
	}
	if got := fb.sum(RowsTotal, "kind", KindCopied); got != 0 {
		t.Fatalf("rows{kind=copied} = %v, want 0 (zero deltas are dropped)", got)
	}
}

func TestRecordRows_IgnoresNonPositive(t *testing.T) {
	fb := install(t)

	RecordRows("j", KindMalformed, 0)
	RecordRows("j", KindMalformed, -3)
	RecordRows("j", KindMalformed, 2)

	if len(fb.counters) != 1 {
		t.Fatalf("expected 1 counter call, got %d", len(fb.counters))
	}
}

func TestRecordRun(t *testing.T) {
	fb := install(t)

	RecordRun("j", "completed", 3*time.Second)

	if got := fb.sum(RunsTotal, "outcome", "completed"); got != 1 {
		t.Fatalf("runs{outcome=completed} = %v, want 1", got)
	}
	if len(fb.histograms) != 1 || fb.histograms[0].name != RunDurationSeconds {
		t.Fatalf("histograms = %#v; want one %s", fb.histograms, RunDurationSeconds)
	}
}

func TestSetBackendAndFlush(t *testing.T) {
	fb := install(t)

	if err := Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if fb.flushCount != 1 {
		t.Fatalf("expected flushCount=1, got %d", fb.flushCount)
	}

	// SetBackend(nil) must keep the installed backend.
	if prev := SetBackend(nil); prev != fb {
		t.Fatalf("SetBackend(nil) returned %v, want installed backend", prev)
	}
	if current() != fb {
		t.Fatal("SetBackend(nil) should not change backend")
	}
}
