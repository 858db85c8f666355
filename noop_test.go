package apmz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/propagation"
)

func BenchmarkSpanLifecycle(b *testing.B) {
	cfg := testConfig()
	cfg.DisableSend = true
	cfg.MaxQueueSize = 1 << 16
	tracer, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	defer tracer.Close(context.Background())

	b.Run("span", func(b *testing.B) {
		tx := tracer.StartTransaction("bench")
		defer tx.End()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			span := tx.CreateSpan("op")
			span.SetLabel("key", "value")
			span.End()
		}
	})

	b.Run("activated", func(b *testing.B) {
		tx := tracer.StartTransaction("bench")
		defer tx.End()
		stack := tracer.NewActiveStack()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			span := tx.CreateSpan("op")
			span.Activate(stack)
			span.Deactivate(stack)
			span.End()
		}
	})

	b.Run("with-listener", func(b *testing.B) {
		id := tracer.OnEnd(func(Record) {})
		defer tracer.RemoveListener(id)
		tx := tracer.StartTransaction("bench")
		defer tx.End()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			tx.CreateSpan("op").End()
		}
	})
}

// Every entity method must be callable on a nil receiver without panicking.
func TestNilEntitiesAreNoOps(t *testing.T) {
	var tx *Transaction
	var span *Span
	var stack *ActiveStack
	var h *Handoff
	carrier := propagation.MapCarrier{}

	for _, e := range []Entity{tx, span} {
		if e.TraceID().IsValid() || e.ID().IsValid() || e.ParentID().IsValid() || e.TransactionID().IsValid() {
			t.Error("nil entity returned an id")
		}
		if e.Sampled() || e.References() != 0 || e.State() != StateRecycled {
			t.Error("nil entity returned live state")
		}
		if !e.Baggage().IsEmpty() {
			t.Error("nil entity returned baggage")
		}
		e.IncrementReferences()
		e.DecrementReferences()
		if e.Handoff() != nil {
			t.Error("nil entity handed off")
		}
		e.Activate(stack)
		e.Deactivate(stack)
		if e.CreateSpan("child") != nil {
			t.Error("nil entity created a span")
		}
		if e.CaptureException(errors.New("x")).IsValid() {
			t.Error("nil entity captured an error")
		}
		if e.TraceParent().IsValid() {
			t.Error("nil entity returned a trace parent")
		}
		e.Inject(carrier)
		e.End()
	}

	tx.SetName("n")
	tx.SetType("t")
	tx.SetResult("r")
	tx.SetOutcome(OutcomeSuccess)
	tx.SetLabel("k", "v")
	tx.UpdateBaggage(func(b *baggage.Builder) { b.Put("k", "v") })
	tx.EndAt(time.Now())
	if tx.Name() != "" || tx.Duration() != 0 {
		t.Error("nil transaction returned data")
	}
	if _, ok := tx.Label("k"); ok {
		t.Error("nil transaction returned a label")
	}

	span.SetName("n")
	span.SetSubtype("s")
	span.SetAction("a")
	span.SetLabel("k", "v")
	span.EndAt(time.Now())
	if span.Name() != "" || span.Duration() != 0 {
		t.Error("nil span returned data")
	}

	if stack.Current() != nil || stack.Transaction() != nil || stack.Depth() != 0 || stack.Overflow() != 0 {
		t.Error("nil stack returned data")
	}
	h.Activate(stack)
	h.Done()
	if h.Entity() != nil {
		t.Error("nil hand-off returned an entity")
	}

	if len(carrier) != 0 {
		t.Errorf("nil entities injected headers: %v", carrier)
	}
}

func TestDisabledSendingKeepsPoolsBalanced(t *testing.T) {
	tt := newTestTracer(t, func(c *config.Config) { c.DisableSend = true })

	for i := 0; i < 100; i++ {
		tx := tt.StartTransaction("tx")
		for j := 0; j < 5; j++ {
			tx.CreateSpan("op").End()
		}
		tx.End()
	}
	tt.flush(t)

	if tt.recorder.Sends() != 0 {
		t.Error("nothing may be sent with sending disabled")
	}
	for _, name := range []string{"transactions", "spans"} {
		if inUse, _ := tt.poolStats(name); inUse != 0 {
			t.Errorf("pool %s: %d still in use", name, inUse)
		}
	}
}
