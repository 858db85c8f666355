// Package metrics holds the agent's self-observability counters.
//
// Counters are plain atomics updated on hot paths. A Snapshot reads them
// without coordination, so values in one snapshot may be from slightly
// different instants.
package metrics

import (
	"sync"
	"sync/atomic"
)

// EventType identifies the kind of a reported event.
type EventType uint8

// Event types.
const (
	EventTransaction EventType = iota
	EventSpan
	EventError
	eventTypeCount
)

// String returns the intake name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTransaction:
		return "transaction"
	case EventSpan:
		return "span"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// DropReason labels why events were discarded.
type DropReason string

// Drop reasons.
const (
	DropQueueFull DropReason = "queue_full"
	DropTransport DropReason = "transport"
	DropShutdown  DropReason = "shutdown"
	DropSpanLimit DropReason = "span_limit"
	DropSpanShort DropReason = "span_min_duration"
)

var dropReasons = []DropReason{DropQueueFull, DropTransport, DropShutdown, DropSpanLimit, DropSpanShort}

// Counters aggregates pipeline counters.
// Safe for concurrent use by multiple goroutines.
type Counters struct {
	queued   atomic.Uint64
	reported [eventTypeCount]atomic.Uint64
	dropped  sync.Map // DropReason -> *atomic.Uint64

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	requestsOK    atomic.Uint64
	requestsError atomic.Uint64

	mu        sync.RWMutex
	queueLen  func() int
	queueCap  func() int
	poolStats []PoolSource
}

// New creates zeroed counters.
func New() *Counters {
	c := &Counters{}
	for _, r := range dropReasons {
		c.dropped.Store(r, new(atomic.Uint64))
	}
	return c
}

// IncQueued counts an event accepted by the queue.
func (c *Counters) IncQueued() {
	c.queued.Add(1)
}

// AddReported counts n events of type t handed to the collector.
func (c *Counters) AddReported(t EventType, n int) {
	if n <= 0 || t >= eventTypeCount {
		return
	}
	c.reported[t].Add(uint64(n))
}

// AddDropped counts n discarded events.
func (c *Counters) AddDropped(reason DropReason, n int) {
	if n <= 0 {
		return
	}
	v, ok := c.dropped.Load(reason)
	if !ok {
		v, _ = c.dropped.LoadOrStore(reason, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(uint64(n))
}

// AddBytesSent counts request bytes written to the wire.
func (c *Counters) AddBytesSent(n int) {
	if n > 0 {
		c.bytesSent.Add(uint64(n))
	}
}

// AddBytesReceived counts response bytes read.
func (c *Counters) AddBytesReceived(n int) {
	if n > 0 {
		c.bytesReceived.Add(uint64(n))
	}
}

// IncRequests counts a finished intake request.
func (c *Counters) IncRequests(success bool) {
	if success {
		c.requestsOK.Add(1)
		return
	}
	c.requestsError.Add(1)
}

// SetQueueGauges installs callbacks reporting queue length and capacity.
func (c *Counters) SetQueueGauges(length, capacity func() int) {
	c.mu.Lock()
	c.queueLen = length
	c.queueCap = capacity
	c.mu.Unlock()
}

// Dropped returns the total across all reasons.
func (c *Counters) Dropped() uint64 {
	var total uint64
	c.dropped.Range(func(_, v any) bool {
		total += v.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Queued          uint64
	Reported        uint64
	ReportedByType  map[EventType]uint64
	Dropped         uint64
	DroppedByReason map[DropReason]uint64
	BytesSent       uint64
	BytesReceived   uint64
	RequestsOK      uint64
	RequestsFailed  uint64
	QueueLen        int
	QueueCap        int
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Queued:          c.queued.Load(),
		ReportedByType:  make(map[EventType]uint64, eventTypeCount),
		DroppedByReason: make(map[DropReason]uint64, len(dropReasons)),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		RequestsOK:      c.requestsOK.Load(),
		RequestsFailed:  c.requestsError.Load(),
	}
	for t := EventType(0); t < eventTypeCount; t++ {
		n := c.reported[t].Load()
		s.ReportedByType[t] = n
		s.Reported += n
	}
	c.dropped.Range(func(k, v any) bool {
		n := v.(*atomic.Uint64).Load()
		s.DroppedByReason[k.(DropReason)] = n
		s.Dropped += n
		return true
	})

	c.mu.RLock()
	length, capacity := c.queueLen, c.queueCap
	c.mu.RUnlock()
	if length != nil {
		s.QueueLen = length()
	}
	if capacity != nil {
		s.QueueCap = capacity()
	}
	return s
}
