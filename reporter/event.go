// Package reporter ships finished trace events to the intake endpoint.
//
// Producers hand events to a bounded queue that never blocks. A single
// worker goroutine drains the queue, serializes each event as one ndjson
// line into a pooled batch buffer and sends the batch when it is full, old
// enough, or explicitly flushed. Transport failures put the worker into a
// backoff state; events keep being accepted and dropped at the queue while
// it waits.
package reporter

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/zoobzio/apmz/metrics"
)

// Kind identifies the record type of an event.
type Kind = metrics.EventType

// Event kinds.
const (
	KindTransaction = metrics.EventTransaction
	KindSpan        = metrics.EventSpan
	KindError       = metrics.EventError
)

// Event is a finished trace entity waiting to be shipped.
//
// The reporter calls WriteModel at most once and Release exactly once,
// whether the event was serialized, dropped at the queue, or discarded on
// shutdown. After Release the event must not be touched.
type Event interface {
	Kind() Kind
	WriteModel(stream *jsoniter.Stream)
	Release()
}
