// Package apmz is the runtime core of a distributed-tracing agent.
//
// apmz records transactions, spans and errors, propagates trace context
// across process boundaries, and ships finished events to an APM intake
// endpoint in the background. It is built for instrumented hot paths: trace
// entities are pooled and reference counted, and nothing on the
// instrumentation side blocks, allocates unboundedly, or returns errors.
//
// Core Components:
//   - Tracer: creates entities, owns the pools, sampler and reporter.
//   - Transaction: the local root of a trace.
//   - Span: a timed operation inside a transaction.
//   - ActiveStack: the per-task stack of active entities.
//   - Handoff: carries an entity to another goroutine without letting it
//     be recycled underneath.
//
// Basic Usage:
//
//	tracer, err := apmz.New(cfg)
//	if err != nil { ... }
//	defer tracer.Close(ctx)
//
//	tx := tracer.StartTransaction("GET /users", apmz.WithTransactionType("request"))
//	stack := tracer.NewActiveStack()
//	tx.Activate(stack)
//
//	span := tx.CreateSpan("SELECT users")
//	span.End()
//
//	tx.Deactivate(stack)
//	tx.End()
//
// Lifecycle:
//
// Every entity starts with one reference owned by the reporting pipeline,
// released once the event has been serialized or dropped. Activation and
// hand-offs take additional references. An entity returns to its pool when
// it has ended and the count reaches zero. Holding a pointer to an entity
// past that point is a bug; take a Handoff instead.
//
// Misuse such as ending twice or deactivating out of order is logged and
// tolerated. Every entity method is safe to call on a nil receiver.
//
// Thread Safety:
//
// Tracer, Transaction and Span are safe for concurrent use. An ActiveStack
// belongs to a single goroutine.
package apmz

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/propagation"
)

// State is the lifecycle state of a trace entity.
type State int32

// Lifecycle states.
const (
	StateCreated State = iota
	StateActive
	StateEnded
	StateRecycled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRecycled:
		return "recycled"
	default:
		return "unknown"
	}
}

// Outcome is the result classification of an entity.
type Outcome string

// Outcomes.
const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entity is the behavior shared by transactions and spans.
type Entity interface {
	TraceID() trace.TraceID
	ID() trace.SpanID
	ParentID() trace.SpanID
	TransactionID() trace.SpanID
	Sampled() bool
	Baggage() *baggage.Baggage
	State() State
	References() int32

	IncrementReferences()
	DecrementReferences()
	Handoff() *Handoff
	Activate(stack *ActiveStack)
	Deactivate(stack *ActiveStack)

	CreateSpan(name string) *Span
	CaptureException(err error) trace.SpanID
	End()

	TraceParent() propagation.TraceParent
	Inject(carrier propagation.Carrier)
}
