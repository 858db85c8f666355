package reporter

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/model"
)

type testEvent struct {
	kind     Kind
	name     string
	released *atomic.Int32
}

func (e *testEvent) Kind() Kind { return e.kind }

func (e *testEvent) WriteModel(stream *jsoniter.Stream) {
	key := model.KeySpan
	switch e.kind {
	case KindTransaction:
		key = model.KeyTransaction
	case KindError:
		key = model.KeyError
	}
	model.WriteLine(stream, key, map[string]string{"name": e.name})
}

func (e *testEvent) Release() { e.released.Add(1) }

type eventFactory struct {
	released atomic.Int32
}

func (f *eventFactory) span(name string) *testEvent {
	return &testEvent{kind: KindSpan, name: name, released: &f.released}
}

func (f *eventFactory) transaction(name string) *testEvent {
	return &testEvent{kind: KindTransaction, name: name, released: &f.released}
}

// recordingTransport keeps a copy of every batch and answers with the
// queued results, succeeding once they run out.
type recordingTransport struct {
	mu      sync.Mutex
	batches [][]string
	results []error
	calls   atomic.Int32
	block   chan struct{}
}

func (t *recordingTransport) Send(ctx context.Context, batch *Batch) (Ack, error) {
	t.calls.Add(1)
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
	}

	var lines []string
	body := append(append([]byte{}, batch.Metadata...), batch.Body.Bytes()...)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if len(t.results) > 0 {
		err, t.results = t.results[0], t.results[1:]
	}
	if err != nil {
		return Ack{BytesSent: len(body)}, err
	}
	t.batches = append(t.batches, lines)
	return Ack{StatusCode: 202, Accepted: batch.Events, BytesSent: len(body)}, nil
}

func (t *recordingTransport) Batches() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]string, len(t.batches))
	copy(out, t.batches)
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxQueueSize = 16
	cfg.BatchMaxEvents = 100
	cfg.APIRequestTime = 10 * time.Second
	cfg.Pools.Buffers = 2
	cfg.Pools.BufferSize = 1024
	return cfg
}
