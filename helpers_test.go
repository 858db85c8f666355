package apmz

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zoobzio/apmz/apmztest"
	"github.com/zoobzio/apmz/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ServiceName = "test-service"
	cfg.Pools.Buffers = 2
	cfg.Pools.BufferSize = 4096
	return cfg
}

type testTracer struct {
	*Tracer
	recorder *apmztest.Recorder
	logs     *observer.ObservedLogs
	clock    *clockz.FakeClock
}

// newTestTracer builds a tracer recording into memory with observed logs
// and a fake clock. mutate adjusts the configuration.
func newTestTracer(t *testing.T, mutate func(*config.Config), opts ...Option) *testTracer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	clock := clockz.NewFakeClock()
	recorder := apmztest.NewRecorder()

	all := append([]Option{
		withBaseLogger(zap.New(core)),
		WithClock(clock),
		WithTransport(recorder),
	}, opts...)
	tracer, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tracer.Close(ctx)
	})
	return &testTracer{Tracer: tracer, recorder: recorder, logs: logs, clock: clock}
}

func (tt *testTracer) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tt.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (tt *testTracer) warnings(snippet string) int {
	return tt.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet(snippet).Len()
}

func (tt *testTracer) poolStats(name string) (inUse int64, released uint64) {
	for _, s := range tt.Stats().Pools {
		if s.Name == name {
			return s.InUse, s.Released
		}
	}
	return -1, 0
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}
