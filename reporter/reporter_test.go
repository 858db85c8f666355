package reporter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/apmz/metrics"
	"github.com/zoobzio/apmz/model"
)

func TestQueueDropsBeyondCapacity(t *testing.T) {
	counters := metrics.New()
	q := NewQueue(4, counters)
	f := &eventFactory{}

	accepted := 0
	for i := 0; i < 10; i++ {
		if q.Offer(f.span("s")) {
			accepted++
		}
	}

	assert.Equal(t, 4, accepted)
	assert.Equal(t, 4, q.Len())
	s := counters.Snapshot()
	assert.Equal(t, uint64(4), s.Queued)
	assert.Equal(t, uint64(6), s.DroppedByReason[metrics.DropQueueFull])
	assert.Equal(t, 4, s.QueueLen)
	assert.Equal(t, 4, s.QueueCap)
	assert.False(t, q.Offer(nil))
}

func TestReportReleasesRefusedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	r := New(cfg, &recordingTransport{})
	f := &eventFactory{}

	accepted := 0
	for i := 0; i < 5; i++ {
		if r.Report(f.span("s")) {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Equal(t, int32(3), f.released.Load())

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, int32(5), f.released.Load())
	assert.Equal(t, uint64(2), r.Stats().DroppedByReason[metrics.DropShutdown])

	assert.False(t, r.Report(f.span("late")))
	assert.Equal(t, int32(6), f.released.Load())
}

func TestFlushSendsMetadataFirst(t *testing.T) {
	transport := &recordingTransport{}
	r := New(testConfig(), transport, WithMetadata(model.Metadata{
		Service: model.Service{Name: "checkout", Agent: model.Agent{Name: model.AgentName}},
	}))
	r.Start()
	defer r.Close(context.Background())

	f := &eventFactory{}
	require.True(t, r.Report(f.transaction("GET /")))
	require.True(t, r.Report(f.span("db")))
	require.True(t, r.Report(f.span("cache")))
	require.NoError(t, r.Flush(context.Background()))

	batches := transport.Batches()
	require.Len(t, batches, 1)
	lines := batches[0]
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], `{"metadata":`))
	assert.Contains(t, lines[0], `"name":"checkout"`)
	assert.Equal(t, `{"transaction":{"name":"GET /"}}`, lines[1])
	assert.Equal(t, `{"span":{"name":"db"}}`, lines[2])

	assert.Equal(t, int32(3), f.released.Load())
	s := r.Stats()
	assert.Equal(t, uint64(3), s.Reported)
	assert.Equal(t, uint64(2), s.ReportedByType[KindSpan])
	assert.Equal(t, uint64(1), s.RequestsOK)
	assert.Greater(t, s.BytesSent, uint64(0))
	assert.Equal(t, StateConnected, r.State())
}

func TestBatchCutByMaxEvents(t *testing.T) {
	cfg := testConfig()
	cfg.BatchMaxEvents = 2
	transport := &recordingTransport{}
	r := New(cfg, transport)
	r.Start()
	defer r.Close(context.Background())

	f := &eventFactory{}
	for i := 0; i < 5; i++ {
		require.True(t, r.Report(f.span("s")))
	}
	require.NoError(t, r.Flush(context.Background()))

	var sizes []int
	for _, b := range transport.Batches() {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestBatchCutByRequestSize(t *testing.T) {
	cfg := testConfig()
	cfg.APIRequestSize = 1
	transport := &recordingTransport{}
	r := New(cfg, transport)
	r.Start()
	defer r.Close(context.Background())

	f := &eventFactory{}
	for i := 0; i < 3; i++ {
		require.True(t, r.Report(f.span("s")))
	}
	require.NoError(t, r.Flush(context.Background()))
	assert.Len(t, transport.Batches(), 3)
}

func TestBatchCutByAge(t *testing.T) {
	clock := clockz.NewFakeClock()
	transport := &recordingTransport{}
	r := New(testConfig(), transport, WithClock(clock))
	r.Start()
	defer r.Close(context.Background())

	f := &eventFactory{}
	require.True(t, r.Report(f.span("slow")))

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Second)
		clock.BlockUntilReady()
		return len(transport.Batches()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.released.Load())
}

func TestTransportFailureBacksOff(t *testing.T) {
	clock := clockz.NewFakeClock()
	boom := errors.New("connection refused")
	transport := &recordingTransport{results: []error{boom}}
	cfg := testConfig()
	r := New(cfg, transport, WithClock(clock))
	r.Start()
	defer r.Close(context.Background())

	f := &eventFactory{}
	require.True(t, r.Report(f.span("a")))
	require.True(t, r.Report(f.span("b")))

	err := r.Flush(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateBackoff, r.State())
	assert.Equal(t, int32(2), f.released.Load(), "failed batch releases its events")
	assert.Equal(t, uint64(2), r.Stats().DroppedByReason[metrics.DropTransport])
	assert.Equal(t, uint64(1), r.Stats().RequestsFailed)

	assert.ErrorIs(t, r.Flush(context.Background()), ErrUnhealthy)

	require.Eventually(t, func() bool {
		clock.Advance(cfg.Backoff.Max)
		clock.BlockUntilReady()
		return r.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, r.Report(f.span("c")))
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, StateConnected, r.State())
	assert.Len(t, transport.Batches(), 1)
}

func TestCloseReleasesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.BatchMaxEvents = 1
	transport := &recordingTransport{block: make(chan struct{})}
	r := New(cfg, transport)
	r.Start()

	f := &eventFactory{}
	require.True(t, r.Report(f.span("in-flight")))
	require.Eventually(t, func() bool { return transport.calls.Load() == 1 }, time.Second, time.Millisecond)

	total := 1
	for i := 0; i < cfg.MaxQueueSize+5; i++ {
		r.Report(f.span("queued"))
		total++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(total), f.released.Load())
	assert.Equal(t, err, r.Close(context.Background()), "close is idempotent")
	assert.ErrorIs(t, r.Flush(context.Background()), ErrClosed)
}

func TestDisableSendDiscardsBatches(t *testing.T) {
	cfg := testConfig()
	cfg.DisableSend = true
	r := New(cfg, nil)
	r.Start()
	defer r.Close(context.Background())

	f := &eventFactory{}
	for i := 0; i < 3; i++ {
		require.True(t, r.Report(f.span("s")))
	}
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, int32(3), f.released.Load())
	assert.Equal(t, uint64(0), r.Stats().Reported)
}

func TestFlushBeforeStart(t *testing.T) {
	r := New(testConfig(), &recordingTransport{})
	assert.ErrorIs(t, r.Flush(context.Background()), ErrNotStarted)
	require.NoError(t, r.Close(context.Background()))
	r.Start()
	assert.ErrorIs(t, r.Flush(context.Background()), ErrClosed)
}

func TestConcurrentProducersAccountForEveryEvent(t *testing.T) {
	transport := &recordingTransport{}
	r := New(testConfig(), transport)
	r.Start()

	f := &eventFactory{}
	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				r.Report(f.span("s"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Close(context.Background()))

	total := producers * perProducer
	assert.Equal(t, int32(total), f.released.Load())
	s := r.Stats()
	assert.Equal(t, uint64(total), s.Queued+s.DroppedByReason[metrics.DropQueueFull])
	assert.Equal(t, s.Queued, s.Reported+s.DroppedByReason[metrics.DropShutdown])
}
