package reporter

import (
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/pool"
)

// Batch is one intake request worth of serialized events.
type Batch struct {
	// Metadata is the leading ndjson line, shared by every batch.
	Metadata []byte
	// Body holds one ndjson line per event.
	Body    *pool.Buffer
	Events  int
	Kinds   map[Kind]int
	Created time.Time

	buffers *pool.BufferPool
}

// Size returns the uncompressed request size.
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	if b.Body == nil {
		return len(b.Metadata)
	}
	return len(b.Metadata) + b.Body.Len()
}

// Release returns the body buffer to its pool. Safe to call more than once.
func (b *Batch) Release() {
	if b == nil || b.Body == nil {
		return
	}
	if b.buffers != nil {
		b.buffers.Release(b.Body)
	}
	b.Body = nil
}

// batcher accumulates serialized events. Owned by the reporter worker.
type batcher struct {
	buffers   *pool.BufferPool
	clock     clockz.Clock
	logger    *zap.Logger
	metadata  []byte
	current   *Batch
	maxEvents int
	maxBytes  int
}

// add serializes e into the current batch, releasing e, and reports
// whether the batch reached a size limit. started is true when e opened a
// new batch.
func (b *batcher) add(e Event) (full, started bool) {
	if b.current == nil {
		b.current = &Batch{
			Metadata: b.metadata,
			Body:     b.buffers.Acquire(),
			Kinds:    make(map[Kind]int, 3),
			Created:  b.clock.Now(),
			buffers:  b.buffers,
		}
		started = true
	}

	body := b.current.Body
	mark := body.Len()
	stream := model.JSON.BorrowStream(body)
	e.WriteModel(stream)
	err := stream.Flush()
	if err == nil {
		err = stream.Error
	}
	model.JSON.ReturnStream(stream)

	kind := e.Kind()
	e.Release()

	if err != nil {
		body.Truncate(mark)
		b.logger.Warn("failed to serialize event", zap.Stringer("kind", kind), zap.Error(err))
		return false, started
	}
	b.current.Events++
	b.current.Kinds[kind]++

	return b.current.Events >= b.maxEvents || b.current.Size() >= b.maxBytes, started
}

// cut detaches the current batch, nil when empty.
func (b *batcher) cut() *Batch {
	batch := b.current
	b.current = nil
	if batch != nil && batch.Events == 0 {
		batch.Release()
		return nil
	}
	return batch
}

// pending returns the number of events in the open batch.
func (b *batcher) pending() int {
	if b.current == nil {
		return 0
	}
	return b.current.Events
}
