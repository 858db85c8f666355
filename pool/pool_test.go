package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type widget struct {
	Header
	value string
	resets int
}

func (w *widget) ResetState() {
	w.value = ""
	w.resets++
}

func newWidgetPool(capacity int, opts ...Option) *Pool[*widget] {
	return New("widgets", capacity, func() *widget { return &widget{} }, opts...)
}

func TestPoolAcquireConstructsWhenEmpty(t *testing.T) {
	p := newWidgetPool(4)

	w := p.Acquire()
	require.NotNil(t, w)
	assert.False(t, w.InPool())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, int64(1), stats.InUse)
	assert.Equal(t, 0, stats.Idle)
}

func TestPoolReleaseResetsAndReuses(t *testing.T) {
	p := newWidgetPool(4, WithShards(1))

	w := p.Acquire()
	w.value = "dirty"
	gen := w.Generation()

	p.Release(w)
	assert.True(t, w.InPool())
	assert.Empty(t, w.value)
	assert.Equal(t, gen+1, w.Generation())

	again := p.Acquire()
	assert.Same(t, w, again, "idle instance should be reused")
	assert.False(t, again.InPool())
	assert.Equal(t, uint64(1), p.Stats().Created)
}

func TestPoolDoubleReleaseIgnored(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := newWidgetPool(4, WithLogger(zap.New(core)))

	w := p.Acquire()
	p.Release(w)
	p.Release(w)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.DoubleReleases)
	assert.Equal(t, uint64(1), stats.Released)
	assert.Equal(t, 1, w.resets, "second release must not reset again")
	assert.Equal(t, 1, logs.FilterMessage("instance released twice, ignoring").Len())

	// Only one copy sits in the idle set.
	first := p.Acquire()
	second := p.Acquire()
	assert.NotSame(t, first, second)
}

func TestPoolGrowsBeyondCapacity(t *testing.T) {
	p := newWidgetPool(2)

	items := make([]*widget, 5)
	for i := range items {
		items[i] = p.Acquire()
	}

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Created)
	assert.Equal(t, int64(5), stats.HighWaterMark)
	assert.Equal(t, uint64(3), stats.Overflow)

	for _, w := range items {
		p.Release(w)
	}

	stats = p.Stats()
	assert.Equal(t, 2, stats.Idle, "only capacity instances are retained")
	assert.Equal(t, uint64(3), stats.Discarded)
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, int64(5), stats.HighWaterMark, "high-water mark is sticky")
}

func TestPoolZeroCapacityRetainsNothing(t *testing.T) {
	p := newWidgetPool(0)

	w := p.Acquire()
	p.Release(w)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, uint64(1), stats.Discarded)
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	p := newWidgetPool(64)

	var wg sync.WaitGroup
	const goroutines = 16
	const iterations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				w := p.Acquire()
				w.value = "busy"
				p.Release(w)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, uint64(goroutines*iterations), stats.Acquired)
	assert.Equal(t, uint64(goroutines*iterations), stats.Released)
	assert.Equal(t, int64(0), stats.InUse)
	assert.Zero(t, stats.DoubleReleases)
	assert.LessOrEqual(t, stats.HighWaterMark, int64(goroutines))
}

func TestBufferPoolShrinksOversizedBuffers(t *testing.T) {
	p := NewBufferPool("buffers", 1, 64, WithShards(1))

	b := p.Acquire()
	b.Write(make([]byte, maxRetainedBufferSize+1))
	p.Release(b)

	again := p.Acquire()
	assert.Same(t, b, again)
	assert.Zero(t, again.Len())
	assert.Less(t, again.Cap(), maxRetainedBufferSize)
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 9: 16}
	for in, want := range cases {
		assert.Equal(t, want, nextPowerOfTwo(in), "nextPowerOfTwo(%d)", in)
	}
}
