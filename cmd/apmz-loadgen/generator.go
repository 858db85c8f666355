package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/propagation"
)

var errSynthetic = errors.New("synthetic failure")

// workload describes the synthetic traffic shape.
type workload struct {
	workers    int
	count      uint64        // total transactions, 0 runs until ctx ends
	interval   time.Duration // pause between transactions per worker
	spans      int
	errorEvery uint64
	downstream bool
}

// generator produces synthetic transactions against a tracer.
type generator struct {
	tracer *apmz.Tracer
	clock  clockz.Clock
	load   workload
	issued atomic.Uint64
	errors atomic.Uint64
}

func newGenerator(tracer *apmz.Tracer, clock clockz.Clock, load workload) *generator {
	if load.workers <= 0 {
		load.workers = 1
	}
	return &generator{tracer: tracer, clock: clock, load: load}
}

// run starts the workers and blocks until ctx ends or count transactions
// have been issued.
func (g *generator) run(ctx context.Context) {
	var wg sync.WaitGroup
	for w := 0; w < g.load.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			g.work(ctx, worker)
		}(w)
	}
	wg.Wait()
}

func (g *generator) work(ctx context.Context, worker int) {
	stack := g.tracer.NewActiveStack()
	for ctx.Err() == nil {
		n := g.issued.Add(1)
		if g.load.count > 0 && n > g.load.count {
			return
		}
		g.transaction(ctx, stack, worker, n)

		if g.load.interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-g.clock.After(g.load.interval):
			}
		}
	}
}

func (g *generator) transaction(ctx context.Context, stack *apmz.ActiveStack, worker int, n uint64) {
	tx := g.tracer.StartTransaction(fmt.Sprintf("GET /synthetic/%d", n%10),
		apmz.WithTransactionType("request"))
	tx.SetLabel("worker", fmt.Sprint(worker))
	tx.UpdateBaggage(func(b *baggage.Builder) {
		b.Put("loadgen.worker", fmt.Sprint(worker))
	})
	tx.Activate(stack)
	ctx = apmz.ContextWithEntity(apmz.ContextWithStack(ctx, stack), tx)

	for i := 0; i < g.load.spans; i++ {
		_, span := g.tracer.StartSpan(ctx, fmt.Sprintf("SELECT %d", i))
		span.SetType("db")
		span.SetSubtype("synthetic")
		span.SetAction("query")
		if g.load.downstream && i == 0 {
			g.callDownstream(span)
		}
		span.End()
	}

	if g.load.errorEvery > 0 && n%g.load.errorEvery == 0 {
		tx.CaptureException(errSynthetic)
		tx.SetOutcome(apmz.OutcomeFailure)
		tx.SetResult("HTTP 5xx")
		g.errors.Add(1)
	} else {
		tx.SetOutcome(apmz.OutcomeSuccess)
		tx.SetResult("HTTP 2xx")
	}
	tx.Deactivate(stack)
	tx.End()
}

// callDownstream simulates a second service continuing the trace from the
// headers the span would send.
func (g *generator) callDownstream(exit *apmz.Span) {
	carrier := propagation.MapCarrier{}
	exit.Inject(carrier)
	remote := g.tracer.StartTransactionFromHeaders("downstream", carrier,
		apmz.WithTransactionType("request"))
	remote.SetOutcome(apmz.OutcomeSuccess)
	remote.End()
}

// summary is the totals reported once the run ends.
type summary struct {
	Transactions uint64
	Errors       uint64
	Stats        apmz.Stats
}

func (g *generator) summary() summary {
	issued := g.issued.Load()
	// Workers overshoot the counter by one each when count is set.
	if g.load.count > 0 && issued > g.load.count {
		issued = g.load.count
	}
	return summary{
		Transactions: issued,
		Errors:       g.errors.Load(),
		Stats:        g.tracer.Stats(),
	}
}
