// Package apmztest provides an in-memory transport for tests.
package apmztest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/reporter"
)

// ErrInjected is returned by sends failed through Fail.
var ErrInjected = errors.New("apmztest: injected failure")

// Payload is one decoded request body.
type Payload struct {
	Metadata     model.Metadata
	Transactions []model.Transaction
	Spans        []model.Span
	Errors       []model.Error
}

// Len returns the number of events in the payload.
func (p Payload) Len() int {
	return len(p.Transactions) + len(p.Spans) + len(p.Errors)
}

type line struct {
	Metadata    *model.Metadata    `json:"metadata"`
	Transaction *model.Transaction `json:"transaction"`
	Span        *model.Span        `json:"span"`
	Error       *model.Error       `json:"error"`
}

// Recorder is a reporter.Transport that decodes and keeps every batch.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Recorder struct {
	payloads []Payload
	sends    int
	failures int
	failErr  error
	delay    time.Duration
	mu       sync.Mutex
}

var _ reporter.Transport = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Fail makes the next n sends fail with err, or ErrInjected when err is nil.
func (r *Recorder) Fail(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
	r.failErr = err
}

// SetDelay makes every send wait d or until its context ends, simulating a
// slow collector.
func (r *Recorder) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Send implements reporter.Transport.
func (r *Recorder) Send(ctx context.Context, batch *reporter.Batch) (reporter.Ack, error) {
	r.mu.Lock()
	r.sends++
	delay := r.delay
	fail := r.failures > 0
	failErr := r.failErr
	if fail {
		r.failures--
	}
	r.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return reporter.Ack{}, ctx.Err()
		}
	}
	if fail {
		return reporter.Ack{}, failErr
	}

	payload, err := Decode(batch)
	if err != nil {
		return reporter.Ack{}, err
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	return reporter.Ack{
		StatusCode: http.StatusAccepted,
		Accepted:   batch.Events,
		BytesSent:  batch.Size(),
	}, nil
}

// Decode parses a batch into typed records.
func Decode(batch *reporter.Batch) (Payload, error) {
	if batch == nil {
		return Payload{}, nil
	}
	body := make([]byte, 0, batch.Size())
	body = append(body, batch.Metadata...)
	if batch.Body != nil {
		body = append(body, batch.Body.Bytes()...)
	}
	return DecodeReader(bytes.NewReader(body))
}

// DecodeReader parses an uncompressed ndjson request body.
func DecodeReader(r io.Reader) (Payload, error) {
	var p Payload
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := model.JSON.Unmarshal(raw, &l); err != nil {
			return p, fmt.Errorf("decoding line %q: %w", raw, err)
		}
		switch {
		case l.Metadata != nil:
			p.Metadata = *l.Metadata
		case l.Transaction != nil:
			p.Transactions = append(p.Transactions, *l.Transaction)
		case l.Span != nil:
			p.Spans = append(p.Spans, *l.Span)
		case l.Error != nil:
			p.Errors = append(p.Errors, *l.Error)
		}
	}
	return p, scanner.Err()
}

// Payloads returns a copy of every recorded payload.
func (r *Recorder) Payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

// Export returns every recorded payload merged into one and clears the
// recorder.
func (r *Recorder) Export() Payload {
	r.mu.Lock()
	payloads := r.payloads
	r.payloads = nil
	r.mu.Unlock()
	return merge(payloads)
}

// Merged returns every recorded payload merged into one.
func (r *Recorder) Merged() Payload {
	return merge(r.Payloads())
}

func merge(payloads []Payload) Payload {
	var out Payload
	for i, p := range payloads {
		if i == 0 {
			out.Metadata = p.Metadata
		}
		out.Transactions = append(out.Transactions, p.Transactions...)
		out.Spans = append(out.Spans, p.Spans...)
		out.Errors = append(out.Errors, p.Errors...)
	}
	return out
}

// Count returns the number of recorded events.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.payloads {
		n += p.Len()
	}
	return n
}

// Sends returns the number of Send calls, failed ones included.
func (r *Recorder) Sends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

// Reset clears recorded payloads and pending failures.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = nil
	r.failures = 0
	r.sends = 0
}
