package apmz

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/apmz/config"
)

func TestSpanReportsItsFields(t *testing.T) {
	tt := newTestTracer(t, nil)
	start := tt.clock.Now()

	tx := tt.StartTransaction("root", WithStart(start))
	span := tx.CreateSpan("SELECT users")
	span.SetType("db")
	span.SetSubtype("postgresql")
	span.SetAction("query")
	span.SetOutcome(OutcomeSuccess)
	span.SetLabel("table", "users")
	span.EndAt(start.Add(2 * time.Millisecond))
	tx.EndAt(start.Add(5 * time.Millisecond))
	tt.flush(t)

	got := tt.recorder.Export()
	if len(got.Spans) != 1 {
		t.Fatalf("expected one span, got %d", len(got.Spans))
	}
	s := got.Spans[0]
	if s.Name != "SELECT users" || s.Type != "db" || s.Subtype != "postgresql" || s.Action != "query" {
		t.Errorf("unexpected span %+v", s)
	}
	if s.Outcome != string(OutcomeSuccess) {
		t.Errorf("unexpected outcome %q", s.Outcome)
	}
	if s.Context == nil || s.Context.Tags["table"] != "users" {
		t.Errorf("labels not reported: %+v", s.Context)
	}
	if s.TransactionID != got.Transactions[0].ID {
		t.Errorf("span points at transaction %s, want %s", s.TransactionID, got.Transactions[0].ID)
	}
	if s.Duration != 2 {
		t.Errorf("expected 2ms, got %v", s.Duration)
	}
}

func TestSpanDefaultType(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.CreateSpan("untyped").End()
	tx.End()
	tt.flush(t)

	got := tt.recorder.Export()
	if len(got.Spans) != 1 || got.Spans[0].Type != defaultType {
		t.Fatalf("expected type %q, got %+v", defaultType, got.Spans)
	}
}

func TestNestedSpansShareTransactionAndLimit(t *testing.T) {
	tt := newTestTracer(t, func(c *config.Config) { c.TransactionMaxSpans = 2 })

	tx := tt.StartTransaction("root")
	outer := tx.CreateSpan("outer")
	inner := outer.CreateSpan("inner")
	if inner.ParentID() != outer.ID() {
		t.Error("inner span should point at its parent span")
	}
	if inner.TransactionID() != tx.ID() || inner.TraceID() != tx.TraceID() {
		t.Error("nested span left the transaction")
	}
	third := inner.CreateSpan("third")

	third.End()
	inner.End()
	outer.End()
	tx.End()
	tt.flush(t)

	got := tt.recorder.Export()
	if len(got.Spans) != 2 {
		t.Errorf("nested spans count against one limit, got %d spans", len(got.Spans))
	}
	if c := got.Transactions[0].SpanCount; c.Started != 2 || c.Dropped != 1 {
		t.Errorf("unexpected span count %+v", c)
	}
}

func TestSpanMutatorsIgnoredAfterEnd(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	span := tx.CreateSpan("op")
	span.SetSubtype("redis")
	span.IncrementReferences()
	defer span.DecrementReferences()
	span.End()

	span.SetSubtype("memcached")
	span.SetAction("get")
	span.SetName("renamed")
	tx.End()
	tt.flush(t)

	got := tt.recorder.Export()
	if len(got.Spans) != 1 {
		t.Fatalf("expected one span, got %d", len(got.Spans))
	}
	if s := got.Spans[0]; s.Subtype != "redis" || s.Action != "" || s.Name != "op" {
		t.Errorf("span changed after end: %+v", s)
	}
}

func TestSpanCaptureException(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	span := tx.CreateSpan("op")
	id := span.CaptureException(errors.New("boom"))
	if !id.IsValid() {
		t.Fatal("expected an error id")
	}
	span.End()
	tx.End()
	tt.flush(t)

	got := tt.recorder.Export()
	if len(got.Errors) != 1 {
		t.Fatalf("expected one error, got %d", len(got.Errors))
	}
	e := got.Errors[0]
	if e.ID != id.String() || e.ParentID != got.Spans[0].ID || e.TransactionID != got.Transactions[0].ID {
		t.Errorf("error not linked to its span: %+v", e)
	}
	if e.Exception.Message != "boom" {
		t.Errorf("unexpected message %q", e.Exception.Message)
	}
}

func TestConcurrentSpansOnOneTransaction(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			span := tx.CreateSpan("worker")
			span.SetLabel("k", "v")
			span.End()
		}()
	}
	wg.Wait()
	tx.End()
	tt.flush(t)

	got := tt.recorder.Export()
	if len(got.Spans) != 20 {
		t.Errorf("expected 20 spans, got %d", len(got.Spans))
	}
	if got.Transactions[0].SpanCount.Started != 20 {
		t.Errorf("unexpected span count %+v", got.Transactions[0].SpanCount)
	}
	if inUse, _ := tt.poolStats("spans"); inUse != 0 {
		t.Errorf("%d spans still in use", inUse)
	}
}
