package reporter

import (
	"github.com/zoobzio/apmz/metrics"
)

// DefaultQueueSize is used when a non-positive capacity is requested.
const DefaultQueueSize = 512

// Queue is a bounded multi-producer single-consumer event queue.
// Offer never blocks: when the queue is full the event is refused and
// counted as dropped.
type Queue struct {
	events   chan Event
	counters *metrics.Counters
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int, counters *metrics.Counters) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if counters == nil {
		counters = metrics.New()
	}
	q := &Queue{
		events:   make(chan Event, capacity),
		counters: counters,
	}
	counters.SetQueueGauges(q.Len, q.Cap)
	return q
}

// Offer enqueues e. It returns false when the queue is full; the caller
// keeps ownership of a refused event and must release it.
func (q *Queue) Offer(e Event) bool {
	if e == nil {
		return false
	}
	select {
	case q.events <- e:
		q.counters.IncQueued()
		return true
	default:
		q.counters.AddDropped(metrics.DropQueueFull, 1)
		return false
	}
}

// Len returns the number of waiting events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.events)
}

// poll returns the next event without blocking.
func (q *Queue) poll() (Event, bool) {
	select {
	case e := <-q.events:
		return e, true
	default:
		return nil, false
	}
}

// releaseAll discards every waiting event and returns how many there were.
func (q *Queue) releaseAll() int {
	n := 0
	for {
		e, ok := q.poll()
		if !ok {
			return n
		}
		e.Release()
		n++
	}
}
