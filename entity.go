package apmz

import (
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/metrics"
	"github.com/zoobzio/apmz/pool"
	"github.com/zoobzio/apmz/propagation"
)

// entity holds the state shared by every pooled trace entity.
//
// Identity and timing fields are written while the entity is owned by its
// creator and read-only afterwards. Mutable attributes are guarded by mu
// and frozen once the entity has ended.
//
//nolint:govet // Field order groups related state
type entity struct {
	pool.Header

	tracer  *Tracer
	self    Entity
	recycle func()

	id            trace.SpanID
	traceID       trace.TraceID
	parentID      trace.SpanID
	transactionID trace.SpanID
	flags         trace.TraceFlags
	traceState    string
	start         time.Time

	mu      sync.Mutex
	end     time.Time
	ended   bool
	name    string
	typ     string
	outcome Outcome
	labels  map[string]string
	baggage *baggage.Baggage

	state atomic.Int32
	refs  atomic.Int32
}

// bind wires the entity to its owner. Called once by the pool factory;
// the binding survives recycling.
func (e *entity) bind(t *Tracer, self Entity, recycle func()) {
	e.tracer = t
	e.self = self
	e.recycle = recycle
}

// init prepares a freshly acquired entity. The creation reference belongs
// to the reporting pipeline.
func (e *entity) init(name string, start time.Time) {
	e.name = name
	e.start = start
	e.baggage = baggage.Empty
	e.outcome = OutcomeUnknown
	e.state.Store(int32(StateCreated))
	e.refs.Store(1)
}

// reset clears everything but the owner binding.
func (e *entity) reset() {
	e.id = trace.SpanID{}
	e.traceID = trace.TraceID{}
	e.parentID = trace.SpanID{}
	e.transactionID = trace.SpanID{}
	e.flags = 0
	e.traceState = ""
	e.start = time.Time{}
	e.end = time.Time{}
	e.ended = false
	e.name = ""
	e.typ = ""
	e.outcome = ""
	e.labels = nil
	e.baggage = nil
	e.refs.Store(0)
	e.state.Store(int32(StateRecycled))
}

func (e *entity) logger() *zap.Logger {
	return e.tracer.logger
}

func (e *entity) fields() []zap.Field {
	return []zap.Field{
		zap.Stringer("trace_id", e.traceID),
		zap.Stringer("id", e.id),
		zap.String("name", e.name),
	}
}

func (e *entity) getTraceID() trace.TraceID {
	if e == nil {
		return trace.TraceID{}
	}
	return e.traceID
}

func (e *entity) getID() trace.SpanID {
	if e == nil {
		return trace.SpanID{}
	}
	return e.id
}

func (e *entity) getParentID() trace.SpanID {
	if e == nil {
		return trace.SpanID{}
	}
	return e.parentID
}

func (e *entity) getTransactionID() trace.SpanID {
	if e == nil {
		return trace.SpanID{}
	}
	return e.transactionID
}

func (e *entity) sampled() bool {
	return e != nil && e.flags.IsSampled()
}

func (e *entity) getState() State {
	if e == nil {
		return StateRecycled
	}
	return State(e.state.Load())
}

func (e *entity) references() int32 {
	if e == nil {
		return 0
	}
	return e.refs.Load()
}

func (e *entity) getBaggage() *baggage.Baggage {
	if e == nil {
		return baggage.Empty
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baggage == nil {
		return baggage.Empty
	}
	return e.baggage
}

func (e *entity) getName() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *entity) duration() time.Duration {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ended {
		return 0
	}
	return e.end.Sub(e.start)
}

func (e *entity) traceParent() propagation.TraceParent {
	if e == nil {
		return propagation.TraceParent{}
	}
	return propagation.TraceParent{TraceID: e.traceID, ParentID: e.id, Flags: e.flags}
}

func (e *entity) inject(carrier propagation.Carrier) {
	if e == nil || carrier == nil || e.getState() == StateRecycled {
		return
	}
	codec := e.tracer.codec
	codec.Inject(carrier, e.traceParent(), e.getBaggage())
	codec.InjectTraceState(carrier, e.traceState)
}

func (e *entity) incrementReferences() {
	if e == nil {
		return
	}
	if e.getState() == StateRecycled {
		e.logger().Warn("incrementing references of a recycled entity")
		return
	}
	e.refs.Add(1)
}

// decrementReferences releases one reference. The last reference can only
// be released once the entity has ended: until then the creation reference
// belongs to the reporting pipeline, so reaching zero earlier means a stale
// holder is releasing a reused instance.
func (e *entity) decrementReferences() {
	if e == nil {
		return
	}
	n := e.refs.Add(-1)
	switch {
	case n == 0 && e.getState() != StateEnded:
		e.refs.Add(1)
		e.logger().Warn("releasing the last reference of an entity that has not ended, ignoring", e.fields()...)
	case n == 0:
		e.state.Store(int32(StateRecycled))
		e.recycle()
	case n < 0:
		e.refs.Add(1)
		e.logger().Warn("references decremented below zero, ignoring")
	}
}

// decrementReferencesAt releases a reference taken while the instance was
// at generation gen. A reference from an earlier generation belongs to a
// previous owner and is ignored.
func (e *entity) decrementReferencesAt(gen uint64) {
	if e == nil {
		return
	}
	if e.Generation() != gen {
		e.logger().Warn("releasing a reference to a recycled instance, ignoring",
			zap.Uint64("held_generation", gen), zap.Uint64("generation", e.Generation()))
		return
	}
	e.decrementReferences()
}

func (e *entity) handoff() *Handoff {
	if e == nil || e.getState() == StateRecycled {
		return nil
	}
	e.incrementReferences()
	return &Handoff{entity: e.self, generation: e.Generation()}
}

func (e *entity) activate(stack *ActiveStack) {
	if e == nil || stack == nil {
		return
	}
	if e.getState() == StateRecycled {
		e.logger().Warn("activating a recycled entity, ignoring")
		return
	}
	if stack.contains(e.self) {
		e.logger().Debug("entity is already active on this stack", e.fields()...)
	}
	if !stack.push(e.self, e.Generation()) {
		return
	}
	e.incrementReferences()
	e.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
	e.tracer.listeners.activated(e.self)
}

func (e *entity) deactivate(stack *ActiveStack) {
	if e == nil || stack == nil {
		return
	}
	popped, ok := stack.pop(e.self)
	if !ok {
		return
	}
	e.tracer.listeners.deactivated(popped.entity)
	coreOf(popped.entity).decrementReferencesAt(popped.generation)
}

func (e *entity) setName(name string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ended {
		e.name = name
	}
}

func (e *entity) setType(typ string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ended {
		e.typ = typ
	}
}

func (e *entity) setOutcome(outcome Outcome) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ended {
		e.outcome = outcome
	}
}

func (e *entity) setLabel(key, value string) {
	if e == nil || key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	if e.labels == nil {
		e.labels = make(map[string]string)
	}
	e.labels[key] = value
}

func (e *entity) label(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.labels[key]
	return v, ok
}

func (e *entity) updateBaggage(fn func(*baggage.Builder)) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	b := e.baggage.ToBuilder()
	fn(b)
	e.baggage = b.Build()
}

// markEnded records the end timestamp. It returns false when the entity
// had already ended or was recycled, in which case nothing else must happen.
func (e *entity) markEnded(ts time.Time) bool {
	if e == nil {
		return false
	}
	if e.getState() == StateRecycled {
		e.logger().Warn("ending a recycled entity, ignoring")
		return false
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		e.logger().Warn("entity already ended, ignoring", e.fields()...)
		return false
	}
	if ts.IsZero() {
		ts = e.tracer.clock.Now()
	}
	if ts.Before(e.start) {
		e.logger().Warn("end timestamp before start, using start", e.fields()...)
		ts = e.start
	}
	e.end = ts
	e.ended = true
	e.mu.Unlock()

	e.state.Store(int32(StateEnded))
	return true
}

// record snapshots the entity for end listeners.
func (e *entity) record(kind metrics.EventType) Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{
		Labels:        e.snapshotLabels(),
		Start:         e.start,
		Kind:          kind,
		TraceID:       e.traceID,
		ID:            e.id,
		ParentID:      e.parentID,
		TransactionID: e.transactionID,
		Duration:      e.end.Sub(e.start),
		Name:          e.name,
		Type:          e.typ,
		Outcome:       e.outcome,
		Sampled:       e.flags.IsSampled(),
	}
}

// snapshotLabels copies labels. Callers hold mu.
func (e *entity) snapshotLabels() map[string]string {
	if len(e.labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.labels))
	for k, v := range e.labels {
		out[k] = v
	}
	return out
}
