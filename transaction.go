package apmz

import (
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/propagation"
	"github.com/zoobzio/apmz/reporter"
)

// defaultType is reported when no type was set.
const defaultType = "custom"

// Transaction is the local root of a trace: the first entity created in
// this process for a unit of work such as an incoming request.
// Safe for concurrent use by multiple goroutines.
type Transaction struct {
	entity
	result  string
	limiter *spanLimiter
}

var (
	_ Entity         = (*Transaction)(nil)
	_ reporter.Event = (*Transaction)(nil)
)

// spanLimiter counts the spans of one transaction. It outlives the
// transaction so late spans never touch a recycled instance.
type spanLimiter struct {
	started atomic.Int32
	dropped atomic.Int32
	max     int32
}

func newSpanLimiter(limit int) *spanLimiter {
	return &spanLimiter{max: int32(limit)}
}

// admit reserves a reporting slot.
func (l *spanLimiter) admit() bool {
	if l == nil {
		return true
	}
	for {
		n := l.started.Load()
		if n >= l.max {
			l.dropped.Add(1)
			return false
		}
		if l.started.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (l *spanLimiter) drop() {
	if l != nil {
		l.dropped.Add(1)
	}
}

func (l *spanLimiter) counts() model.SpanCount {
	if l == nil {
		return model.SpanCount{}
	}
	return model.SpanCount{Started: int(l.started.Load()), Dropped: int(l.dropped.Load())}
}

func (t *Transaction) core() *entity {
	if t == nil {
		return nil
	}
	return &t.entity
}

// ResetState clears the transaction for reuse.
func (t *Transaction) ResetState() {
	t.entity.reset()
	t.result = ""
	t.limiter = nil
}

// TraceID returns the id shared by every entity of the trace.
func (t *Transaction) TraceID() trace.TraceID { return t.core().getTraceID() }

// ID returns the transaction id.
func (t *Transaction) ID() trace.SpanID { return t.core().getID() }

// ParentID returns the remote parent id, zero for a root.
func (t *Transaction) ParentID() trace.SpanID { return t.core().getParentID() }

// TransactionID returns the transaction's own id.
func (t *Transaction) TransactionID() trace.SpanID { return t.core().getTransactionID() }

// Sampled reports whether the trace is recorded in full.
func (t *Transaction) Sampled() bool { return t.core().sampled() }

// Baggage returns the current baggage snapshot.
func (t *Transaction) Baggage() *baggage.Baggage { return t.core().getBaggage() }

// State returns the lifecycle state.
func (t *Transaction) State() State { return t.core().getState() }

// References returns the current reference count.
func (t *Transaction) References() int32 { return t.core().references() }

// IncrementReferences keeps the transaction from being recycled.
func (t *Transaction) IncrementReferences() { t.core().incrementReferences() }

// DecrementReferences releases a reference taken earlier.
func (t *Transaction) DecrementReferences() { t.core().decrementReferences() }

// Handoff takes a reference for use on another goroutine.
func (t *Transaction) Handoff() *Handoff { return t.core().handoff() }

// Activate pushes the transaction on stack.
func (t *Transaction) Activate(stack *ActiveStack) { t.core().activate(stack) }

// Deactivate pops the transaction off stack.
func (t *Transaction) Deactivate(stack *ActiveStack) { t.core().deactivate(stack) }

// TraceParent returns the context to hand to downstream services.
func (t *Transaction) TraceParent() propagation.TraceParent { return t.core().traceParent() }

// Inject writes the trace context into carrier.
func (t *Transaction) Inject(carrier propagation.Carrier) { t.core().inject(carrier) }

// Name returns the transaction name.
func (t *Transaction) Name() string { return t.core().getName() }

// SetName renames the transaction.
func (t *Transaction) SetName(name string) { t.core().setName(name) }

// SetType sets the transaction type, e.g. "request".
func (t *Transaction) SetType(typ string) { t.core().setType(typ) }

// SetOutcome classifies the result.
func (t *Transaction) SetOutcome(outcome Outcome) { t.core().setOutcome(outcome) }

// SetLabel attaches a string label.
func (t *Transaction) SetLabel(key, value string) { t.core().setLabel(key, value) }

// Label returns a label value.
func (t *Transaction) Label(key string) (string, bool) { return t.core().label(key) }

// UpdateBaggage applies fn to a builder seeded with the current baggage.
// Spans created afterwards inherit the result.
func (t *Transaction) UpdateBaggage(fn func(*baggage.Builder)) { t.core().updateBaggage(fn) }

// Duration returns the elapsed time, zero until ended.
func (t *Transaction) Duration() time.Duration { return t.core().duration() }

// SetResult records a result such as "HTTP 2xx".
func (t *Transaction) SetResult(result string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ended {
		t.result = result
	}
}

// CreateSpan starts a child span.
func (t *Transaction) CreateSpan(name string) *Span {
	if t == nil {
		return nil
	}
	return t.tracer.startSpan(&t.entity, t.limiter, name)
}

// CaptureException records err as a child of the transaction and returns
// the id of the error event.
func (t *Transaction) CaptureException(err error) trace.SpanID {
	if t == nil {
		return trace.SpanID{}
	}
	return t.tracer.captureException(err, &t.entity, 2)
}

// End ends the transaction now and hands it to the reporter.
func (t *Transaction) End() { t.EndAt(time.Time{}) }

// EndAt ends the transaction at ts. Calls after the first are ignored.
func (t *Transaction) EndAt(ts time.Time) {
	e := t.core()
	if !e.markEnded(ts) {
		return
	}
	if e.tracer.listeners.wantsEnd() {
		e.tracer.listeners.ended(e.record(reporter.KindTransaction))
	}
	// Unsampled transactions are reported too so throughput stays visible.
	e.tracer.report(t)
}

// Kind implements reporter.Event.
func (*Transaction) Kind() reporter.Kind { return reporter.KindTransaction }

// WriteModel implements reporter.Event.
func (t *Transaction) WriteModel(stream *jsoniter.Stream) {
	t.mu.Lock()
	m := model.Transaction{
		ID:        t.id.String(),
		TraceID:   t.traceID.String(),
		ParentID:  hexOrEmpty(t.parentID),
		Name:      t.name,
		Type:      orDefault(t.typ, defaultType),
		Result:    t.result,
		Outcome:   string(t.outcome),
		Timestamp: model.Timestamp(t.start),
		Duration:  model.Duration(t.end.Sub(t.start)),
		Sampled:   t.flags.IsSampled(),
		SpanCount: t.limiter.counts(),
		Context:   model.NewContext(t.labels),
	}
	t.mu.Unlock()
	model.WriteLine(stream, model.KeyTransaction, &m)
}

// Release implements reporter.Event by dropping the creation reference.
func (t *Transaction) Release() { t.DecrementReferences() }

func hexOrEmpty(id trace.SpanID) string {
	if !id.IsValid() {
		return ""
	}
	return id.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
