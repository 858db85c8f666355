// Package integration exercises the agent end to end: entities are created
// through the public API, shipped through the real reporter and decoded
// from what the collector receives.
package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/apmztest"
	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/model"
)

// Harness is a tracer reporting to a fake intake server over HTTP.
type Harness struct {
	Tracer *apmz.Tracer
	Intake *apmztest.Intake
	t      *testing.T
}

// NewHarness starts an intake server and a tracer sending to it. mutate
// adjusts the configuration before the tracer is built.
func NewHarness(t *testing.T, service string, mutate func(*config.Config)) *Harness {
	t.Helper()
	intake := apmztest.NewIntake()
	t.Cleanup(intake.Close)

	cfg := config.Default()
	cfg.ServiceName = service
	cfg.ServerURLs = []string{intake.URL}
	cfg.Backoff.Initial = time.Millisecond
	cfg.Backoff.Max = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	tracer, err := apmz.New(cfg, apmz.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("creating tracer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracer.Close(ctx)
	})
	return &Harness{Tracer: tracer, Intake: intake, t: t}
}

// Flush sends everything reported so far.
func (h *Harness) Flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Tracer.Flush(ctx); err != nil {
		h.t.Fatalf("flush: %v", err)
	}
}

// WaitForEvents polls the intake until at least n events arrived.
func (h *Harness) WaitForEvents(n int, timeout time.Duration) apmztest.Payload {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for h.Intake.Count() < n {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %d events, got %d", n, h.Intake.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h.Intake.Export()
}

// AssertPoolsDrained fails when any entity is still checked out.
func (h *Harness) AssertPoolsDrained() {
	h.t.Helper()
	for _, s := range h.Tracer.Stats().Pools {
		if s.InUse != 0 {
			h.t.Errorf("pool %s: %d still in use", s.Name, s.InUse)
		}
		if s.DoubleReleases != 0 {
			h.t.Errorf("pool %s: %d double releases", s.Name, s.DoubleReleases)
		}
	}
}

// Node is one transaction or span in a reconstructed trace tree.
type Node struct {
	ID       string
	TraceID  string
	ParentID string
	Name     string
	Kind     string
	Duration float64
	Children []*Node
}

// BuildTree links the transactions and spans of p by parent id and returns
// the roots, ordered by name.
func BuildTree(p apmztest.Payload) []*Node {
	nodes := make(map[string]*Node, p.Len())
	order := make([]*Node, 0, p.Len())
	add := func(n *Node) {
		nodes[n.ID] = n
		order = append(order, n)
	}
	for _, tx := range p.Transactions {
		add(&Node{ID: tx.ID, TraceID: tx.TraceID, ParentID: tx.ParentID, Name: tx.Name, Kind: "transaction", Duration: tx.Duration})
	}
	for _, s := range p.Spans {
		add(&Node{ID: s.ID, TraceID: s.TraceID, ParentID: s.ParentID, Name: s.Name, Kind: "span", Duration: s.Duration})
	}

	var roots []*Node
	for _, n := range order {
		if parent, ok := nodes[n.ParentID]; ok && n.ParentID != "" {
			parent.Children = append(parent.Children, n)
			continue
		}
		roots = append(roots, n)
	}
	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// PrintTree formats a trace tree for failure messages.
func PrintTree(roots []*Node) string {
	var sb strings.Builder
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fmt.Fprintf(&sb, "%s%s %s (%.2fms)\n", strings.Repeat("  ", depth), n.Kind, n.Name, n.Duration)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return sb.String()
}

// FindSpan returns the first span named name.
func FindSpan(p apmztest.Payload, name string) (model.Span, bool) {
	for _, s := range p.Spans {
		if s.Name == name {
			return s, true
		}
	}
	return model.Span{}, false
}

// MockService simulates a dependency called from instrumented code. Every
// call creates a span under the entity carried by ctx.
type MockService struct {
	tracer   *apmz.Tracer
	name     string
	latency  time.Duration
	failEach int
	mu       sync.Mutex
	calls    int
}

// NewMockService creates a service that answers after latency. When
// failEach is positive every failEach-th call fails.
func NewMockService(tracer *apmz.Tracer, name string, latency time.Duration, failEach int) *MockService {
	return &MockService{tracer: tracer, name: name, latency: latency, failEach: failEach}
}

// Call performs one traced call.
func (m *MockService) Call(ctx context.Context, operation string) error {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	_, span := m.tracer.StartSpan(ctx, m.name+"."+operation)
	defer span.End()
	span.SetType("external")
	span.SetSubtype(m.name)
	span.SetAction(operation)

	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	if m.failEach > 0 && n%m.failEach == 0 {
		err := fmt.Errorf("%s: call %d failed", m.name, n)
		span.CaptureException(err)
		span.SetOutcome(apmz.OutcomeFailure)
		return err
	}
	span.SetOutcome(apmz.OutcomeSuccess)
	return nil
}

// Calls returns the number of calls made.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
