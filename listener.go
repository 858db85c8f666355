package apmz

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/apmz/metrics"
)

// Record is an immutable copy of an ended entity. Listeners receive records
// instead of entities because the entity may be recycled as soon as the
// listener returns.
type Record struct {
	Labels        map[string]string
	Start         time.Time
	Kind          metrics.EventType
	TraceID       trace.TraceID
	ID            trace.SpanID
	ParentID      trace.SpanID
	TransactionID trace.SpanID
	Duration      time.Duration
	Name          string
	Type          string
	Outcome       Outcome
	Sampled       bool
}

// ActivationListener observes an entity being pushed on or popped off an
// ActiveStack. It runs synchronously on the activating goroutine and must
// not retain the entity.
type ActivationListener func(e Entity)

// EndListener is called with a snapshot of every reported entity.
type EndListener func(r Record)

type listenerKind uint8

const (
	onActivate listenerKind = iota
	onDeactivate
	onEnd
)

type listenerEntry struct {
	activation ActivationListener
	end        EndListener
	id         uint64
	kind       listenerKind
	async      bool
}

// listeners is the registry behind the Tracer's On* methods.
//
//nolint:govet // Field order optimized for functionality over memory
type listeners struct {
	entries   []listenerEntry
	panicHook func(listenerID uint64, r interface{})
	workers   *workerPool
	mu        sync.RWMutex
	count     atomic.Int32
	nextID    atomic.Uint64
	dropped   atomic.Uint64
}

func (l *listeners) register(entry listenerEntry) uint64 {
	entry.id = l.nextID.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	l.count.Add(1)
	return entry.id
}

func (l *listeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Preserve order
	for i, e := range l.entries {
		if e.id == id {
			copy(l.entries[i:], l.entries[i+1:])
			l.entries = l.entries[:len(l.entries)-1]
			l.count.Add(-1)
			return
		}
	}
}

func (l *listeners) snapshot(kind listenerKind) []listenerEntry {
	if l.count.Load() == 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []listenerEntry
	for _, e := range l.entries {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *listeners) activated(e Entity) {
	for _, entry := range l.snapshot(onActivate) {
		l.safeCall(entry, func() { entry.activation(e) })
	}
}

func (l *listeners) deactivated(e Entity) {
	for _, entry := range l.snapshot(onDeactivate) {
		l.safeCall(entry, func() { entry.activation(e) })
	}
}

// wantsEnd reports whether building a Record is worth it.
func (l *listeners) wantsEnd() bool {
	return len(l.snapshot(onEnd)) > 0
}

func (l *listeners) ended(r Record) {
	for _, entry := range l.snapshot(onEnd) {
		h := entry
		call := func() { l.safeCall(h, func() { h.end(r) }) }
		if !h.async {
			call()
			continue
		}
		l.mu.RLock()
		workers := l.workers
		l.mu.RUnlock()
		if workers != nil {
			workers.submit(call)
		} else {
			go call()
		}
	}
}

func (l *listeners) safeCall(entry listenerEntry, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.RLock()
			hook := l.panicHook
			l.mu.RUnlock()
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	fn()
}

func (l *listeners) setPanicHook(hook func(listenerID uint64, r interface{})) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.panicHook = hook
}

func (l *listeners) enableWorkers(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers != nil {
		return errors.New("worker pool already enabled")
	}

	l.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &l.dropped,
	}
	l.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go l.workers.run()
	}
	return nil
}

func (l *listeners) close() {
	l.mu.Lock()
	l.entries = nil
	l.count.Store(0)
	workers := l.workers
	l.workers = nil
	l.mu.Unlock()

	// Wait for in-flight async listeners
	if workers != nil {
		workers.shutdown()
	}
}

// workerPool runs asynchronous end listeners on a fixed set of goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
