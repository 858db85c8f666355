package reporter

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/metrics"
	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/pool"
)

// Reporter errors.
var (
	ErrClosed     = errors.New("reporter closed")
	ErrNotStarted = errors.New("reporter not started")
	ErrUnhealthy  = errors.New("reporter backing off after failed requests")
)

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock sets the clock driving batch age and backoff waits.
func WithClock(clock clockz.Clock) Option {
	return func(r *Reporter) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger. Transport failures are logged through it,
// so it should be rate-limited.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCounters shares counters with other components.
func WithCounters(counters *metrics.Counters) Option {
	return func(r *Reporter) {
		if counters != nil {
			r.counters = counters
		}
	}
}

// WithBufferPool sets the pool batch bodies are taken from.
func WithBufferPool(buffers *pool.BufferPool) Option {
	return func(r *Reporter) {
		if buffers != nil {
			r.buffers = buffers
		}
	}
}

// WithMetadata sets the metadata line leading every request.
func WithMetadata(m model.Metadata) Option {
	return func(r *Reporter) {
		r.meta = &m
	}
}

// Reporter drains the event queue on a single worker goroutine.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Reporter struct {
	cfg       config.Config
	transport Transport
	queue     *Queue
	counters  *metrics.Counters
	buffers   *pool.BufferPool
	clock     clockz.Clock
	logger    *zap.Logger
	meta      *model.Metadata
	batcher   *batcher
	backoff   *backoff.ExponentialBackOff

	state   atomic.Int32
	flushCh chan chan error
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New creates a reporter. transport may be nil when cfg.DisableSend is set.
func New(cfg config.Config, transport Transport, opts ...Option) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		cfg:       cfg,
		transport: transport,
		clock:     clockz.RealClock,
		logger:    zap.NewNop(),
		flushCh:   make(chan chan error),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counters == nil {
		r.counters = metrics.New()
	}
	if r.buffers == nil {
		r.buffers = pool.NewBufferPool("batch-buffers", cfg.Pools.Buffers, cfg.Pools.BufferSize, pool.WithLogger(r.logger))
	}

	r.queue = NewQueue(cfg.MaxQueueSize, r.counters)
	r.backoff = newBackOff(cfg.Backoff, r.clock)
	r.batcher = &batcher{
		buffers:   r.buffers,
		clock:     r.clock,
		logger:    r.logger,
		metadata:  r.metadataLine(),
		maxEvents: max(cfg.BatchMaxEvents, 1),
		maxBytes:  max(cfg.APIRequestSize, 1),
	}
	return r
}

func (r *Reporter) metadataLine() []byte {
	if r.meta == nil {
		return nil
	}
	var buf bytes.Buffer
	stream := model.JSON.BorrowStream(&buf)
	model.WriteLine(stream, model.KeyMetadata, r.meta)
	err := stream.Flush()
	model.JSON.ReturnStream(stream)
	if err != nil {
		r.logger.Error("failed to serialize metadata", zap.Error(err))
		return nil
	}
	return buf.Bytes()
}

// Start launches the worker. Subsequent calls do nothing.
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		if r.closed.Load() {
			return
		}
		r.started.Store(true)
		go r.run()
	})
}

// Report queues e for delivery. It never blocks. When e cannot be queued
// it is released immediately and false is returned.
func (r *Reporter) Report(e Event) bool {
	if e == nil {
		return false
	}
	if r.closed.Load() {
		r.counters.AddDropped(metrics.DropShutdown, 1)
		e.Release()
		return false
	}
	if !r.queue.Offer(e) {
		e.Release()
		return false
	}
	// Close may have drained the queue between the check and the offer.
	if r.closed.Load() {
		r.counters.AddDropped(metrics.DropShutdown, r.queue.releaseAll())
	}
	return true
}

// Flush sends everything queued so far and waits for the request to
// finish or ctx to end. It fails fast while the reporter is backing off.
func (r *Reporter) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.started.Load() {
		return ErrNotStarted
	}
	if r.State() == StateBackoff {
		return ErrUnhealthy
	}

	reply := make(chan error, 1)
	select {
	case r.flushCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends what is pending, bounded by ctx, stops the worker and
// releases every event still queued. Calling Close again returns the
// first result.
func (r *Reporter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.started.Load() {
			close(r.quit)
			select {
			case <-r.done:
			case <-ctx.Done():
				r.closeErr = ctx.Err()
				r.cancel()
				<-r.done
			}
		}
		r.cancel()
		if n := r.queue.releaseAll(); n > 0 {
			r.counters.AddDropped(metrics.DropShutdown, n)
		}
	})
	return r.closeErr
}

// State returns the connection state.
func (r *Reporter) State() State {
	return State(r.state.Load())
}

// Stats returns a snapshot of the pipeline counters.
func (r *Reporter) Stats() metrics.Snapshot {
	return r.counters.Snapshot()
}

// Counters returns the counters the reporter updates.
func (r *Reporter) Counters() *metrics.Counters {
	return r.counters
}

// QueueLen returns the number of waiting events.
func (r *Reporter) QueueLen() int {
	return r.queue.Len()
}

// run is the worker loop. It owns the batcher, the transport and the
// backoff policy.
func (r *Reporter) run() {
	defer close(r.done)

	var age <-chan time.Time
	for {
		select {
		case <-r.quit:
			r.shutdown()
			return

		case e := <-r.queue.events:
			full, started := r.batcher.add(e)
			if started {
				age = r.clock.After(r.cfg.APIRequestTime)
			}
			if full {
				age = nil
				r.sendOrWait()
			}

		case <-age:
			age = nil
			r.sendOrWait()

		case reply := <-r.flushCh:
			age = nil
			err := r.flush()
			reply <- err
			if err != nil {
				r.wait()
			}
		}
	}
}

// flush serializes what is queued right now and sends it.
func (r *Reporter) flush() error {
	var err error
	for n := r.queue.Len(); n > 0; n-- {
		e, ok := r.queue.poll()
		if !ok {
			break
		}
		if full, _ := r.batcher.add(e); full {
			if sendErr := r.sendOnce(); sendErr != nil {
				err = sendErr
			}
		}
	}
	if sendErr := r.sendOnce(); sendErr != nil {
		err = sendErr
	}
	return err
}

// shutdown drains the queue into batches and sends them without backing
// off. Anything that cannot be sent is dropped.
func (r *Reporter) shutdown() {
	for {
		e, ok := r.queue.poll()
		if !ok {
			break
		}
		if full, _ := r.batcher.add(e); full {
			r.sendOnce()
		}
	}
	r.sendOnce()
}

// sendOrWait sends the current batch and waits out the backoff on failure.
func (r *Reporter) sendOrWait() {
	if err := r.sendOnce(); err != nil {
		r.wait()
	}
}

// sendOnce cuts the current batch and delivers it.
func (r *Reporter) sendOnce() error {
	batch := r.batcher.cut()
	if batch == nil {
		return nil
	}
	defer batch.Release()

	if r.cfg.DisableSend || r.transport == nil {
		r.logger.Debug("sending disabled, discarding batch", zap.Int("events", batch.Events))
		return nil
	}

	ack, err := r.transport.Send(r.ctx, batch)
	r.counters.AddBytesSent(ack.BytesSent)
	r.counters.AddBytesReceived(ack.BytesReceived)

	if err == nil {
		r.counters.IncRequests(true)
		for kind, n := range batch.Kinds {
			r.counters.AddReported(kind, n)
		}
		r.state.Store(int32(StateConnected))
		r.backoff.Reset()
		return nil
	}

	r.counters.IncRequests(false)
	dropped := batch.Events - ack.Accepted
	if dropped < 0 || dropped > batch.Events {
		dropped = batch.Events
	}
	r.counters.AddDropped(metrics.DropTransport, dropped)
	r.logger.Warn("failed to send events",
		zap.Int("events", batch.Events),
		zap.Int("accepted", ack.Accepted),
		zap.Int("dropped", dropped),
		zap.Error(err))
	r.state.Store(int32(StateBackoff))
	return err
}

// wait sleeps for the next backoff delay, interrupted by Close.
func (r *Reporter) wait() {
	delay := nextDelay(r.backoff, r.cfg.Backoff.Initial)
	r.logger.Debug("backing off", zap.Duration("delay", delay))
	select {
	case <-r.clock.After(delay):
		r.state.Store(int32(StateReconnecting))
	case <-r.quit:
	}
}
