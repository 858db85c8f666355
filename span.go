package apmz

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/metrics"
	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/propagation"
	"github.com/zoobzio/apmz/reporter"
)

// Span represents a single timed operation inside a transaction.
// Safe for concurrent use by multiple goroutines.
type Span struct {
	entity
	subtype string
	action  string
	limiter *spanLimiter
}

var (
	_ Entity         = (*Span)(nil)
	_ reporter.Event = (*Span)(nil)
)

func (s *Span) core() *entity {
	if s == nil {
		return nil
	}
	return &s.entity
}

// ResetState clears the span for reuse.
func (s *Span) ResetState() {
	s.entity.reset()
	s.subtype = ""
	s.action = ""
	s.limiter = nil
}

// TraceID returns the id shared by every entity of the trace.
func (s *Span) TraceID() trace.TraceID { return s.core().getTraceID() }

// ID returns the span id.
func (s *Span) ID() trace.SpanID { return s.core().getID() }

// ParentID returns the id of the entity the span was created from.
func (s *Span) ParentID() trace.SpanID { return s.core().getParentID() }

// TransactionID returns the id of the owning transaction.
func (s *Span) TransactionID() trace.SpanID { return s.core().getTransactionID() }

// Sampled reports whether the trace is recorded in full.
func (s *Span) Sampled() bool { return s.core().sampled() }

// Baggage returns the current baggage snapshot.
func (s *Span) Baggage() *baggage.Baggage { return s.core().getBaggage() }

// State returns the lifecycle state.
func (s *Span) State() State { return s.core().getState() }

// References returns the current reference count.
func (s *Span) References() int32 { return s.core().references() }

// IncrementReferences keeps the span from being recycled.
func (s *Span) IncrementReferences() { s.core().incrementReferences() }

// DecrementReferences releases a reference taken earlier.
func (s *Span) DecrementReferences() { s.core().decrementReferences() }

// Handoff takes a reference for use on another goroutine.
func (s *Span) Handoff() *Handoff { return s.core().handoff() }

// Activate pushes the span on stack.
func (s *Span) Activate(stack *ActiveStack) { s.core().activate(stack) }

// Deactivate pops the span off stack.
func (s *Span) Deactivate(stack *ActiveStack) { s.core().deactivate(stack) }

// TraceParent returns the context to hand to downstream services.
func (s *Span) TraceParent() propagation.TraceParent { return s.core().traceParent() }

// Inject writes the trace context into carrier.
func (s *Span) Inject(carrier propagation.Carrier) { s.core().inject(carrier) }

// Name returns the span name.
func (s *Span) Name() string { return s.core().getName() }

// SetName renames the span.
func (s *Span) SetName(name string) { s.core().setName(name) }

// SetType sets the span type, e.g. "db".
func (s *Span) SetType(typ string) { s.core().setType(typ) }

// SetOutcome classifies the result.
func (s *Span) SetOutcome(outcome Outcome) { s.core().setOutcome(outcome) }

// SetLabel attaches a string label.
func (s *Span) SetLabel(key, value string) { s.core().setLabel(key, value) }

// Label returns a label value.
func (s *Span) Label(key string) (string, bool) { return s.core().label(key) }

// UpdateBaggage applies fn to a builder seeded with the current baggage.
func (s *Span) UpdateBaggage(fn func(*baggage.Builder)) { s.core().updateBaggage(fn) }

// Duration returns the elapsed time, zero until ended.
func (s *Span) Duration() time.Duration { return s.core().duration() }

// SetSubtype refines the type, e.g. "postgresql".
func (s *Span) SetSubtype(subtype string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.subtype = subtype
	}
}

// SetAction names the operation, e.g. "query".
func (s *Span) SetAction(action string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.action = action
	}
}

// CreateSpan starts a child span. It counts against the same
// transaction's span limit.
func (s *Span) CreateSpan(name string) *Span {
	if s == nil {
		return nil
	}
	return s.tracer.startSpan(&s.entity, s.limiter, name)
}

// CaptureException records err as a child of the span and returns the id
// of the error event.
func (s *Span) CaptureException(err error) trace.SpanID {
	if s == nil {
		return trace.SpanID{}
	}
	return s.tracer.captureException(err, &s.entity, 2)
}

// End ends the span now.
func (s *Span) End() { s.EndAt(time.Time{}) }

// EndAt ends the span at ts. Unsampled spans, spans shorter than the
// configured minimum and spans over the transaction's limit are discarded
// instead of reported. Calls after the first are ignored.
func (s *Span) EndAt(ts time.Time) {
	e := s.core()
	if !e.markEnded(ts) {
		return
	}
	t := e.tracer

	switch {
	case !e.sampled():
		e.decrementReferences()
		return
	case e.duration() < t.cfg.SpanMinDuration:
		s.limiter.drop()
		t.counters.AddDropped(metrics.DropSpanShort, 1)
		e.decrementReferences()
		return
	case !s.limiter.admit():
		t.counters.AddDropped(metrics.DropSpanLimit, 1)
		e.decrementReferences()
		return
	}

	if t.listeners.wantsEnd() {
		t.listeners.ended(e.record(reporter.KindSpan))
	}
	t.report(s)
}

// Kind implements reporter.Event.
func (*Span) Kind() reporter.Kind { return reporter.KindSpan }

// WriteModel implements reporter.Event.
func (s *Span) WriteModel(stream *jsoniter.Stream) {
	s.mu.Lock()
	m := model.Span{
		ID:            s.id.String(),
		TraceID:       s.traceID.String(),
		ParentID:      s.parentID.String(),
		TransactionID: hexOrEmpty(s.transactionID),
		Name:          s.name,
		Type:          orDefault(s.typ, defaultType),
		Subtype:       s.subtype,
		Action:        s.action,
		Outcome:       string(s.outcome),
		Timestamp:     model.Timestamp(s.start),
		Duration:      model.Duration(s.end.Sub(s.start)),
		Context:       model.NewContext(s.labels),
	}
	s.mu.Unlock()
	model.WriteLine(stream, model.KeySpan, &m)
}

// Release implements reporter.Event by dropping the creation reference.
func (s *Span) Release() { s.DecrementReferences() }
