package apmz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/logging"
	"github.com/zoobzio/apmz/metrics"
	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/pool"
	"github.com/zoobzio/apmz/propagation"
	"github.com/zoobzio/apmz/reporter"
)

// Option configures a Tracer.
type Option func(*options)

type options struct {
	clock     clockz.Clock
	logger    *zap.Logger
	transport reporter.Transport
	sampler   Sampler
}

// WithClock sets the clock used for timestamps, batch age and backoff.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger routes the agent's logs to logger, rate limited.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logging.Sampled(logger)
		}
	}
}

func withBaseLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransport replaces the HTTP transport, e.g. with an in-memory recorder.
func WithTransport(transport reporter.Transport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithSampler replaces the ratio sampler built from the configuration.
func WithSampler(sampler Sampler) Option {
	return func(o *options) {
		if sampler != nil {
			o.sampler = sampler
		}
	}
}

// Tracer creates trace entities and owns their pools, the sampler and the
// reporting pipeline.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        clockz.Clock
	codec        *propagation.Codec
	sampler      Sampler
	reporter     *reporter.Reporter
	counters     *metrics.Counters
	listeners    *listeners
	transactions *pool.Pool[*Transaction]
	spans        *pool.Pool[*Span]
	errors       *pool.Pool[*ErrorCapture]
	buffers      *pool.BufferPool
	traceIDs     *IDPool[trace.TraceID]
	spanIDs      *IDPool[trace.SpanID]
	closeOnce    sync.Once
	closeErr     error
}

// New creates a tracer and starts its reporter.
func New(cfg config.Config, opts ...Option) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clockz.RealClock, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tracer{
		cfg:       cfg,
		logger:    o.logger,
		clock:     o.clock,
		counters:  metrics.New(),
		listeners: &listeners{},
		sampler:   o.sampler,
	}
	if t.sampler == nil {
		t.sampler = NewRatioSampler(cfg.TransactionSampleRate)
	}
	t.codec = propagation.NewCodec(
		propagation.WithElasticHeader(cfg.UseElasticTraceparentHeader),
		propagation.WithCacheSize(cfg.BaggageCacheSize),
		propagation.WithLogger(t.logger),
	)

	poolOpt := pool.WithLogger(t.logger)
	t.transactions = pool.New("transactions", cfg.Pools.Transactions, func() *Transaction {
		tx := &Transaction{}
		tx.bind(t, tx, func() { t.transactions.Release(tx) })
		return tx
	}, poolOpt)
	t.spans = pool.New("spans", cfg.Pools.Spans, func() *Span {
		s := &Span{}
		s.bind(t, s, func() { t.spans.Release(s) })
		return s
	}, poolOpt)
	t.errors = pool.New("errors", cfg.Pools.Errors, func() *ErrorCapture {
		c := &ErrorCapture{}
		c.bind(t, nil, func() { t.errors.Release(c) })
		return c
	}, poolOpt)
	t.buffers = pool.NewBufferPool("buffers", cfg.Pools.Buffers, cfg.Pools.BufferSize, poolOpt)
	for _, p := range []metrics.PoolSource{t.transactions, t.spans, t.errors, t.buffers} {
		t.counters.RegisterPool(p)
	}

	transport := o.transport
	if transport == nil && !cfg.DisableSend {
		ht, err := reporter.NewHTTPTransport(cfg, reporter.WithTransportLogger(t.logger))
		if err != nil {
			return nil, fmt.Errorf("creating transport: %w", err)
		}
		transport = ht
	}

	// Pool size based on number of CPUs for optimal contention balance.
	idPoolSize := runtime.NumCPU() * 100
	t.traceIDs = NewIDPool(idPoolSize, newTraceID)
	t.spanIDs = NewIDPool(idPoolSize, newSpanID)

	t.reporter = reporter.New(cfg, transport,
		reporter.WithClock(t.clock),
		reporter.WithLogger(t.logger),
		reporter.WithCounters(t.counters),
		reporter.WithBufferPool(t.buffers),
		reporter.WithMetadata(t.metadata()),
	)
	t.reporter.Start()
	return t, nil
}

// NewFromConfig loads configuration from path and the environment, builds
// the configured logger and creates a tracer.
func NewFromConfig(path string, opts ...Option) (*Tracer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return New(cfg, append([]Option{withBaseLogger(logger)}, opts...)...)
}

func (t *Tracer) metadata() model.Metadata {
	hostname, err := os.Hostname()
	if err != nil {
		t.logger.Debug("hostname unavailable", zap.Error(err))
	}
	return model.Metadata{
		Service: model.Service{
			Name:        t.cfg.ServiceName,
			Version:     t.cfg.ServiceVersion,
			Environment: t.cfg.Environment,
			Agent: model.Agent{
				Name:        model.AgentName,
				Version:     model.AgentVersion,
				EphemeralID: uuid.NewString(),
			},
			Language: model.Language{Name: "go", Version: runtime.Version()},
			Runtime:  model.Runtime{Name: runtime.Compiler, Version: runtime.Version()},
		},
		Process: &model.Process{
			PID:   os.Getpid(),
			Title: filepath.Base(os.Args[0]),
		},
		System: &model.System{
			Hostname:     hostname,
			Architecture: runtime.GOARCH,
			Platform:     runtime.GOOS,
		},
	}
}

// Config returns the configuration the tracer was built with.
func (t *Tracer) Config() config.Config {
	return t.cfg
}

// Logger returns the agent logger.
func (t *Tracer) Logger() *zap.Logger {
	return t.logger
}

// Codec returns the propagation codec configured for this tracer.
func (t *Tracer) Codec() *propagation.Codec {
	return t.codec
}

// TransactionOption configures StartTransaction.
type TransactionOption func(*transactionOptions)

type transactionOptions struct {
	start      time.Time
	baggage    *baggage.Baggage
	parent     propagation.TraceParent
	traceState string
	typ        string
}

// WithTransactionType sets the transaction type, e.g. "request".
func WithTransactionType(typ string) TransactionOption {
	return func(o *transactionOptions) {
		o.typ = typ
	}
}

// WithTraceParent continues a trace started by a remote parent. Invalid
// parents are ignored and a new trace is started.
func WithTraceParent(tp propagation.TraceParent) TransactionOption {
	return func(o *transactionOptions) {
		o.parent = tp
	}
}

// WithTraceState passes a remote tracestate header through.
func WithTraceState(state string) TransactionOption {
	return func(o *transactionOptions) {
		o.traceState = state
	}
}

// WithBaggage sets the initial baggage.
func WithBaggage(b *baggage.Baggage) TransactionOption {
	return func(o *transactionOptions) {
		o.baggage = b
	}
}

// WithStart overrides the start timestamp.
func WithStart(ts time.Time) TransactionOption {
	return func(o *transactionOptions) {
		o.start = ts
	}
}

// StartTransaction starts a transaction. Without a remote parent it begins
// a new trace and makes the sampling decision for it.
func (t *Tracer) StartTransaction(name string, opts ...TransactionOption) *Transaction {
	var o transactionOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := o.start
	if start.IsZero() {
		start = t.clock.Now()
	}

	tx := t.transactions.Acquire()
	tx.init(name, start)
	tx.typ = o.typ
	tx.id = t.spanIDs.Get()
	tx.transactionID = tx.id
	if o.parent.IsValid() {
		tx.traceID = o.parent.TraceID
		tx.parentID = o.parent.ParentID
		tx.flags = o.parent.Flags
		tx.traceState = o.traceState
	} else {
		tx.traceID = t.traceIDs.Get()
		if t.sampler.Sample(tx.traceID) {
			tx.flags = trace.FlagsSampled
		}
	}
	if o.baggage != nil {
		tx.baggage = o.baggage
	}
	tx.limiter = newSpanLimiter(t.cfg.TransactionMaxSpans)
	return tx
}

// StartTransactionFromHeaders starts a transaction continuing the trace
// context found in carrier, or a new trace when none is usable.
func (t *Tracer) StartTransactionFromHeaders(name string, carrier propagation.Carrier, opts ...TransactionOption) *Transaction {
	ex := t.codec.Extract(carrier)
	base := []TransactionOption{WithBaggage(ex.Baggage)}
	if ex.Valid {
		base = append(base, WithTraceParent(ex.TraceParent), WithTraceState(ex.TraceState))
	}
	return t.StartTransaction(name, append(base, opts...)...)
}

// StartSpan creates a child of the entity carried by ctx and returns a
// context carrying the span. Without a parent no span is created and the
// returned span is nil, which is safe to use.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := EntityFromContext(ctx)
	if parent == nil {
		return ctx, nil
	}
	span := parent.CreateSpan(name)
	if span == nil {
		return ctx, nil
	}
	return ContextWithEntity(ctx, span), span
}

func (t *Tracer) startSpan(parent *entity, limiter *spanLimiter, name string) *Span {
	switch parent.getState() {
	case StateRecycled:
		t.logger.Warn("creating a span from a recycled entity, ignoring")
		return nil
	case StateEnded:
		t.logger.Debug("creating a span from an ended entity", parent.fields()...)
	}

	s := t.spans.Acquire()
	s.init(name, t.clock.Now())
	s.id = t.spanIDs.Get()
	s.traceID = parent.traceID
	s.parentID = parent.id
	s.transactionID = parent.transactionID
	s.flags = parent.flags
	s.traceState = parent.traceState
	s.baggage = parent.getBaggage()
	s.limiter = limiter
	return s
}

// NewActiveStack returns a stack for one goroutine or logical task.
func (t *Tracer) NewActiveStack() *ActiveStack {
	return newActiveStack(t.cfg.StackMaxDepth, t.logger)
}

// Go runs fn on a new goroutine with its own stack. The entity carried by
// ctx is handed off to it and stays alive until fn returns.
func (t *Tracer) Go(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	var h *Handoff
	if parent := EntityFromContext(ctx); parent != nil {
		h = parent.Handoff()
	}
	go func() {
		defer h.Done()
		stack := t.NewActiveStack()
		h.Activate(stack)
		child := ContextWithStack(ctx, stack)
		if e := h.Entity(); e != nil {
			child = ContextWithEntity(child, e)
		}
		fn(child)
	}()
}

// CaptureException records err as a child of parent, or as a standalone
// error with a new trace id when parent is nil. It returns the id of the
// error event; nil errors return the zero id.
func (t *Tracer) CaptureException(err error, parent Entity) trace.SpanID {
	return t.captureException(err, coreOf(parent), 2)
}

func (t *Tracer) captureException(err error, parent *entity, skip int) trace.SpanID {
	if err == nil {
		return trace.SpanID{}
	}
	now := t.clock.Now()

	c := t.errors.Acquire()
	c.init("", now)
	c.id = t.spanIDs.Get()
	if parent != nil && parent.getState() != StateRecycled {
		c.traceID = parent.traceID
		c.parentID = parent.id
		c.transactionID = parent.transactionID
		c.flags = parent.flags
		c.baggage = parent.getBaggage()
	} else {
		c.traceID = t.traceIDs.Get()
		c.flags = trace.FlagsSampled
	}
	c.message = err.Error()
	c.errType = fmt.Sprintf("%T", err)
	c.depth = runtime.Callers(skip+1, c.pcs[:])

	id := c.id
	c.markEnded(now)
	t.report(c)
	return id
}

type entityCore interface {
	core() *entity
}

func coreOf(e Entity) *entity {
	if c, ok := e.(entityCore); ok {
		return c.core()
	}
	return nil
}

func (t *Tracer) report(e reporter.Event) {
	if !t.reporter.Report(e) || !t.cfg.ReportSync {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ServerTimeout)
	defer cancel()
	if err := t.reporter.Flush(ctx); err != nil {
		t.logger.Debug("synchronous flush failed", zap.Error(err))
	}
}

// OnActivate registers a listener called whenever an entity is activated.
func (t *Tracer) OnActivate(fn ActivationListener) uint64 {
	if fn == nil {
		return 0
	}
	return t.listeners.register(listenerEntry{kind: onActivate, activation: fn})
}

// OnDeactivate registers a listener called whenever an entity is deactivated.
func (t *Tracer) OnDeactivate(fn ActivationListener) uint64 {
	if fn == nil {
		return 0
	}
	return t.listeners.register(listenerEntry{kind: onDeactivate, activation: fn})
}

// OnEnd registers a synchronous listener called with every reported entity.
func (t *Tracer) OnEnd(fn EndListener) uint64 {
	if fn == nil {
		return 0
	}
	return t.listeners.register(listenerEntry{kind: onEnd, end: fn})
}

// OnEndAsync registers an asynchronous end listener.
func (t *Tracer) OnEndAsync(fn EndListener) uint64 {
	if fn == nil {
		return 0
	}
	return t.listeners.register(listenerEntry{kind: onEnd, end: fn, async: true})
}

// RemoveListener removes a listener by ID.
func (t *Tracer) RemoveListener(id uint64) {
	t.listeners.remove(id)
}

// SetPanicHook sets a function to be called when a listener panics.
func (t *Tracer) SetPanicHook(hook func(listenerID uint64, r interface{})) {
	t.listeners.setPanicHook(hook)
}

// EnableWorkerPool creates a bounded worker pool for async end listeners.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	return t.listeners.enableWorkers(workers, queueSize)
}

// DroppedRecords returns the number of async listener calls dropped due to
// a full worker queue.
func (t *Tracer) DroppedRecords() uint64 {
	return t.listeners.dropped.Load()
}

// Flush sends everything reported so far and waits for the request.
func (t *Tracer) Flush(ctx context.Context) error {
	return t.reporter.Flush(ctx)
}

// Stats is a point-in-time view of the tracer.
type Stats struct {
	Reporter       metrics.Snapshot
	State          reporter.State
	Pools          []pool.Stats
	DroppedRecords uint64
}

// Stats returns counters, reporter state and pool statistics.
func (t *Tracer) Stats() Stats {
	return Stats{
		Reporter: t.reporter.Stats(),
		State:    t.reporter.State(),
		Pools: []pool.Stats{
			t.transactions.Stats(),
			t.spans.Stats(),
			t.errors.Stats(),
			t.buffers.Stats(),
		},
		DroppedRecords: t.DroppedRecords(),
	}
}

// Collector exposes the tracer's counters and pool statistics to Prometheus.
func (t *Tracer) Collector(namespace string) *metrics.Collector {
	return t.counters.Collector(namespace)
}

// Close flushes best-effort within ctx, stops the reporter, waits for async
// listeners and stops id generation. Safe to call more than once.
func (t *Tracer) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		var result *multierror.Error

		if err := t.reporter.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing reporter: %w", err))
		}
		t.listeners.close()
		t.traceIDs.Close()
		t.spanIDs.Close()

		for _, s := range []pool.Stats{t.transactions.Stats(), t.spans.Stats()} {
			if s.InUse > 0 {
				t.logger.Debug("entities still referenced at close",
					zap.String("pool", s.Name), zap.Int64("in_use", s.InUse))
			}
		}
		t.closeErr = result.ErrorOrNil()
	})
	return t.closeErr
}
