// Package pool provides typed, sharded object pools for hot-path entities.
//
// A Pool never blocks and never refuses an acquisition: when no idle
// instance is available a fresh one is constructed, even beyond the
// configured capacity. Capacity only bounds how many idle instances are
// retained. The pool records a high-water mark of instances in use so the
// growth stays visible in diagnostics.
package pool

import (
	"math/bits"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
)

// Header is embedded by every pooled type. It tracks whether the instance
// currently sits in a pool and how often it has been recycled.
type Header struct {
	generation atomic.Uint64
	pooled     atomic.Bool
}

// Generation returns the number of times the instance has been released.
// Capturing it at acquire time and comparing later detects use after release.
func (h *Header) Generation() uint64 {
	return h.generation.Load()
}

// InPool reports whether the instance is currently idle inside a pool.
func (h *Header) InPool() bool {
	return h.pooled.Load()
}

func (h *Header) poolHeader() *Header {
	return h
}

// Recyclable is implemented by pooled types. ResetState must clear every
// field so the next owner observes a zero-valued instance.
type Recyclable interface {
	ResetState()
	poolHeader() *Header
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name           string
	Capacity       int
	Created        uint64
	Acquired       uint64
	Released       uint64
	Idle           int
	InUse          int64
	HighWaterMark  int64
	Overflow       uint64
	DoubleReleases uint64
	Discarded      uint64
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	logger *zap.Logger
	shards int
}

// WithLogger sets the logger used to report misuse such as double release.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithShards overrides the number of idle shards. The value is rounded up
// to the next power of two.
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// Pool is a concurrent recyclable-object allocator.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order groups counters together.
type Pool[T Recyclable] struct {
	factory func() T
	shards  []chan T
	mask    uint64
	logger  *zap.Logger
	name    string

	capacity int
	cursor   atomic.Uint64

	created        atomic.Uint64
	acquired       atomic.Uint64
	released       atomic.Uint64
	inUse          atomic.Int64
	highWater      atomic.Int64
	overflow       atomic.Uint64
	doubleReleases atomic.Uint64
	discarded      atomic.Uint64
}

// New creates a pool retaining at most capacity idle instances.
func New[T Recyclable](name string, capacity int, factory func() T, opts ...Option) *Pool[T] {
	o := options{logger: zap.NewNop(), shards: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}

	shardCount := nextPowerOfTwo(o.shards)
	if capacity > 0 && shardCount > capacity {
		shardCount = nextPowerOfTwo(capacity)
		if shardCount > capacity {
			shardCount >>= 1
		}
	}
	if shardCount < 1 {
		shardCount = 1
	}

	base, rem := 0, 0
	if capacity > 0 {
		base, rem = capacity/shardCount, capacity%shardCount
	}

	p := &Pool[T]{
		factory:  factory,
		shards:   make([]chan T, shardCount),
		mask:     uint64(shardCount - 1),
		logger:   o.logger.With(zap.String("pool", name)),
		name:     name,
		capacity: capacity,
	}
	for i := range p.shards {
		size := base
		if i < rem {
			size++
		}
		p.shards[i] = make(chan T, size)
	}
	return p
}

// Acquire returns an idle instance or a newly constructed one.
// Never blocks.
func (p *Pool[T]) Acquire() T {
	item, ok := p.takeIdle()
	if !ok {
		item = p.factory()
		p.created.Add(1)
	}
	item.poolHeader().pooled.Store(false)

	p.acquired.Add(1)
	inUse := p.inUse.Add(1)
	for {
		hw := p.highWater.Load()
		if inUse <= hw || p.highWater.CompareAndSwap(hw, inUse) {
			break
		}
	}
	if p.capacity > 0 && inUse > int64(p.capacity) {
		p.overflow.Add(1)
	}
	return item
}

func (p *Pool[T]) takeIdle() (T, bool) {
	start := p.cursor.Add(1)
	for i := uint64(0); i <= p.mask; i++ {
		select {
		case item := <-p.shards[(start+i)&p.mask]:
			return item, true
		default:
		}
	}
	var zero T
	return zero, false
}

// Release resets the instance and returns it to the idle set.
// Releasing an instance that is already pooled is logged and ignored.
func (p *Pool[T]) Release(item T) {
	h := item.poolHeader()
	if !h.pooled.CompareAndSwap(false, true) {
		p.doubleReleases.Add(1)
		p.logger.Warn("instance released twice, ignoring",
			zap.Uint64("generation", h.generation.Load()))
		return
	}
	h.generation.Add(1)
	item.ResetState()

	p.released.Add(1)
	p.inUse.Add(-1)

	start := p.cursor.Add(1)
	for i := uint64(0); i <= p.mask; i++ {
		select {
		case p.shards[(start+i)&p.mask] <- item:
			return
		default:
		}
	}
	// Every shard is full; leave the instance to the garbage collector.
	p.discarded.Add(1)
}

// Name returns the pool name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	idle := 0
	for _, shard := range p.shards {
		idle += len(shard)
	}
	return Stats{
		Name:           p.name,
		Capacity:       p.capacity,
		Created:        p.created.Load(),
		Acquired:       p.acquired.Load(),
		Released:       p.released.Load(),
		Idle:           idle,
		InUse:          p.inUse.Load(),
		HighWaterMark:  p.highWater.Load(),
		Overflow:       p.overflow.Load(),
		DoubleReleases: p.doubleReleases.Load(),
		Discarded:      p.discarded.Load(),
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
