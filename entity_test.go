package apmz

import (
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/propagation"
)

func TestReferencePairingRecyclesExactlyOnce(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx.IncrementReferences()
			tx.SetLabel("k", "v")
			tx.DecrementReferences()
		}()
	}
	wg.Wait()

	if tx.References() != 1 {
		t.Fatalf("expected the count back at baseline, got %d", tx.References())
	}
	tx.End()
	tt.flush(t)

	if tx.State() != StateRecycled {
		t.Errorf("expected recycled, got %s", tx.State())
	}
	_, released := tt.poolStats("transactions")
	if released != 1 {
		t.Errorf("expected exactly one release, got %d", released)
	}
	for _, s := range tt.Stats().Pools {
		if s.DoubleReleases != 0 {
			t.Errorf("pool %s saw %d double releases", s.Name, s.DoubleReleases)
		}
	}
}

func TestHeldReferenceDelaysRecycling(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.IncrementReferences()
	tx.End()
	tt.flush(t)

	if tx.State() != StateEnded {
		t.Fatalf("expected ended while referenced, got %s", tx.State())
	}
	if tx.Name() != "root" {
		t.Error("a referenced entity keeps its fields")
	}
	tx.DecrementReferences()
	if tx.State() != StateRecycled {
		t.Errorf("expected recycled after the last reference, got %s", tx.State())
	}
}

func TestDecrementBelowZeroIsIgnored(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.End()
	tt.flush(t)

	tx.DecrementReferences()
	if tx.References() != 0 {
		t.Errorf("count must not go negative, got %d", tx.References())
	}
	if tt.warnings("below zero") != 1 {
		t.Error("expected a warning")
	}
	if inUse, _ := tt.poolStats("transactions"); inUse != 0 {
		t.Errorf("expected nothing in use, got %d", inUse)
	}
}

func TestEndTwiceWarns(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.IncrementReferences()
	defer tx.DecrementReferences()
	tx.End()
	tx.End()
	tt.flush(t)

	if tt.warnings("already ended") != 1 {
		t.Error("expected one double end warning")
	}
	if n := tt.recorder.Count(); n != 1 {
		t.Errorf("expected one report, got %d", n)
	}
}

func TestEndBeforeStartIsClamped(t *testing.T) {
	tt := newTestTracer(t, nil)
	start := tt.clock.Now()

	tx := tt.StartTransaction("root", WithStart(start))
	tx.IncrementReferences()
	defer tx.DecrementReferences()
	tx.EndAt(start.Add(-time.Second))

	if tx.Duration() != 0 {
		t.Errorf("expected zero duration, got %s", tx.Duration())
	}
	if tt.warnings("before start") != 1 {
		t.Error("expected a clamp warning")
	}
}

func TestMutatorsIgnoredAfterEnd(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("before")
	tx.IncrementReferences()
	defer tx.DecrementReferences()
	tx.SetLabel("k", "v")
	tx.End()

	tx.SetName("after")
	tx.SetLabel("k", "changed")
	tx.SetResult("late")
	tx.UpdateBaggage(func(b *baggage.Builder) { b.Put("late", "1") })

	if tx.Name() != "before" {
		t.Errorf("name changed after end: %q", tx.Name())
	}
	if v, _ := tx.Label("k"); v != "v" {
		t.Errorf("label changed after end: %q", v)
	}
	if !tx.Baggage().IsEmpty() {
		t.Error("baggage changed after end")
	}
}

func TestSpansInheritBaggage(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.UpdateBaggage(func(b *baggage.Builder) { b.Put("tenant", "acme") })
	before := tx.Baggage()

	span := tx.CreateSpan("child")
	if span.Baggage() != before {
		t.Error("child should share the parent's snapshot")
	}
	span.UpdateBaggage(func(b *baggage.Builder) { b.Put("step", "2") })
	if _, ok := tx.Baggage().Get("step"); ok {
		t.Error("child baggage leaked into the parent")
	}
	if v, _ := span.Baggage().Get("tenant"); v != "acme" {
		t.Error("child lost inherited baggage")
	}

	carrier := propagation.MapCarrier{}
	span.Inject(carrier)
	if got := carrier.Get(propagation.BaggageHeader); got != "tenant=acme,step=2" {
		t.Errorf("unexpected baggage header %q", got)
	}
	span.End()
	tx.End()
}

func TestCreateSpanFromEndedAndRecycledParents(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.IncrementReferences()
	tx.End()

	late := tx.CreateSpan("late")
	if late == nil {
		t.Fatal("an ended parent still yields children")
	}
	late.End()

	tx.DecrementReferences()
	tt.flush(t)
	if tx.State() != StateRecycled {
		t.Fatalf("expected recycled, got %s", tx.State())
	}
	if tx.CreateSpan("dead") != nil {
		t.Error("a recycled parent must not yield children")
	}
	if tt.warnings("recycled") == 0 {
		t.Error("expected a warning for the recycled parent")
	}
}

func TestActivateRecycledEntityIsIgnored(t *testing.T) {
	tt := newTestTracer(t, nil)
	stack := tt.NewActiveStack()

	tx := tt.StartTransaction("root")
	tx.End()
	tt.flush(t)

	tx.Activate(stack)
	if stack.Depth() != 0 {
		t.Error("recycled entity was activated")
	}
	if tx.Handoff() != nil {
		t.Error("recycled entity handed off")
	}
}

func TestInjectAfterRecycleWritesNothing(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.End()
	tt.flush(t)

	carrier := propagation.MapCarrier{}
	tx.Inject(carrier)
	if len(carrier) != 0 {
		t.Errorf("expected no headers, got %v", carrier)
	}
}

func TestPoolReuseResetsState(t *testing.T) {
	tt := newTestTracer(t, func(c *config.Config) { c.Pools.Transactions = 1 })

	first := tt.StartTransaction("first")
	first.SetLabel("k", "v")
	firstID := first.ID()
	first.End()
	tt.flush(t)

	second := tt.StartTransaction("second")
	defer second.End()
	if second.ID() == firstID {
		t.Error("reused instance kept its id")
	}
	if _, ok := second.Label("k"); ok {
		t.Error("reused instance kept its labels")
	}
	if second.References() != 1 || second.State() != StateCreated {
		t.Errorf("reused instance not reinitialized: refs %d, state %s", second.References(), second.State())
	}
}

func TestStaleHandoffLeavesReusedInstanceAlone(t *testing.T) {
	tt := newTestTracer(t, func(c *config.Config) { c.Pools.Transactions = 1 })

	first := tt.StartTransaction("first")
	h := first.Handoff()
	first.End()
	tt.flush(t)
	// Released by another holder, so the hand-off now points at a free instance.
	first.DecrementReferences()
	if first.State() != StateRecycled {
		t.Fatalf("expected recycled, got %s", first.State())
	}

	second := tt.StartTransaction("second")
	if second != first {
		t.Fatal("expected the pooled instance to be reused")
	}

	stack := tt.NewActiveStack()
	h.Activate(stack)
	if stack.Depth() != 0 {
		t.Error("a hand-off of a recycled instance must not activate it")
	}
	h.Done()

	if second.References() != 1 || second.State() != StateCreated {
		t.Errorf("reused instance was touched: refs %d, state %s", second.References(), second.State())
	}
	if tt.warnings("outlived its entity") != 1 {
		t.Error("expected a warning for the stale activation")
	}
	if tt.warnings("recycled instance") != 1 {
		t.Error("expected a warning for the stale release")
	}
	second.End()
	tt.flush(t)
	if second.State() != StateRecycled {
		t.Errorf("expected the reused instance to recycle normally, got %s", second.State())
	}
}

func TestStaleFrameLeavesReusedInstanceAlone(t *testing.T) {
	tt := newTestTracer(t, func(c *config.Config) { c.Pools.Transactions = 1 })
	stack := tt.NewActiveStack()

	first := tt.StartTransaction("first")
	first.Activate(stack)
	first.End()
	tt.flush(t)
	first.DecrementReferences()

	second := tt.StartTransaction("second")
	if second != first {
		t.Fatal("expected the pooled instance to be reused")
	}
	first.Deactivate(stack)

	if stack.Depth() != 0 {
		t.Errorf("expected the frame popped, depth %d", stack.Depth())
	}
	if second.References() != 1 || second.State() != StateCreated {
		t.Errorf("reused instance was touched: refs %d, state %s", second.References(), second.State())
	}
	if tt.warnings("recycled instance") != 1 {
		t.Error("expected a warning for the stale release")
	}
	second.End()
}

func TestReleasingLastReferenceBeforeEndIsRefused(t *testing.T) {
	tt := newTestTracer(t, nil)

	tx := tt.StartTransaction("root")
	tx.DecrementReferences()

	if tx.References() != 1 || tx.State() != StateCreated {
		t.Errorf("live entity was released: refs %d, state %s", tx.References(), tx.State())
	}
	if tt.warnings("has not ended") != 1 {
		t.Error("expected a warning")
	}
	if inUse, _ := tt.poolStats("transactions"); inUse != 1 {
		t.Errorf("expected the instance still in use, got %d", inUse)
	}
	tx.End()
	tt.flush(t)
	if tx.State() != StateRecycled {
		t.Errorf("expected recycled after reporting, got %s", tx.State())
	}
}
