package reliability

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/apmztest"
	"github.com/zoobzio/apmz/config"
)

// requireLevel skips the test unless reliability tests are enabled.
func requireLevel(t *testing.T) settings {
	t.Helper()
	s := loadSettings()
	if !s.enabled() {
		t.Skip("APMZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
	return s
}

// newTracer logs nothing; warnings under load would drown the test output.
func newTracer(t *testing.T, mutate func(*config.Config)) (*apmz.Tracer, *apmztest.Recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.ServiceName = "reliability"
	cfg.ServerTimeout = 50 * time.Millisecond
	cfg.APIRequestTime = 20 * time.Millisecond
	cfg.Backoff.Initial = time.Millisecond
	cfg.Backoff.Max = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	recorder := apmztest.NewRecorder()
	tracer, err := apmz.New(cfg, apmz.WithTransport(recorder), apmz.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("creating tracer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracer.Close(ctx)
	})
	return tracer, recorder
}

// inUse returns the number of pooled entities still checked out.
func inUse(tracer *apmz.Tracer) int64 {
	var n int64
	for _, s := range tracer.Stats().Pools {
		if s.Name != "buffers" {
			n += s.InUse
		}
	}
	return n
}

// waitDrained fails unless every entity returns to its pool in time.
func waitDrained(t *testing.T, tracer *apmz.Tracer, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for inUse(tracer) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d entities retained", inUse(tracer))
		}
		time.Sleep(time.Millisecond)
	}
	for _, s := range tracer.Stats().Pools {
		if s.DoubleReleases != 0 {
			t.Errorf("pool %s: %d double releases", s.Name, s.DoubleReleases)
		}
	}
}

// latencies collects durations from many goroutines.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

// percentile returns the p-th percentile, p in [0,100].
func (l *latencies) percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), l.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

// monotonic samples fn until stop is closed and reports whether it never
// decreased.
func monotonic(fn func() uint64, stop <-chan struct{}) <-chan bool {
	result := make(chan bool, 1)
	go func() {
		last := fn()
		ok := true
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				result <- ok && fn() >= last
				return
			case <-ticker.C:
				v := fn()
				if v < last {
					ok = false
				}
				last = v
			}
		}
	}()
	return result
}
