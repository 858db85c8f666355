package apmz

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultStackMaxDepth bounds an ActiveStack when no depth is configured.
const DefaultStackMaxDepth = 250

// ActiveStack is the LIFO stack of entities active on one goroutine or
// logical task. The top entry is the current context for new spans.
// Not safe for concurrent use; each goroutine gets its own stack.
type ActiveStack struct {
	logger   *zap.Logger
	entries  []frame
	maxDepth int
	// overflow counts activations refused because the stack was full.
	// Their matching deactivations are absorbed here.
	overflow int
}

func newActiveStack(maxDepth int, logger *zap.Logger) *ActiveStack {
	if maxDepth <= 0 {
		maxDepth = DefaultStackMaxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActiveStack{
		logger:   logger,
		entries:  make([]frame, 0, 8),
		maxDepth: maxDepth,
	}
}

// Current returns the top entity, nil when the stack is empty.
func (s *ActiveStack) Current() Entity {
	if s == nil || len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1].entity
}

// Transaction returns the bottom-most transaction on the stack.
func (s *ActiveStack) Transaction() *Transaction {
	if s == nil {
		return nil
	}
	for _, f := range s.entries {
		if tx, ok := f.entity.(*Transaction); ok {
			return tx
		}
	}
	return nil
}

// Depth returns the number of active entities.
func (s *ActiveStack) Depth() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Overflow returns the number of outstanding refused activations.
func (s *ActiveStack) Overflow() int {
	if s == nil {
		return 0
	}
	return s.overflow
}

// frame is one activation. generation is the pool generation of the entity
// when it was pushed; the activation reference is only released against it.
type frame struct {
	entity     Entity
	generation uint64
}

// contains reports whether e is active anywhere on the stack.
func (s *ActiveStack) contains(e Entity) bool {
	for _, f := range s.entries {
		if f.entity == e {
			return true
		}
	}
	return false
}

func (s *ActiveStack) push(e Entity, generation uint64) bool {
	if len(s.entries) >= s.maxDepth || s.overflow > 0 {
		if s.overflow == 0 {
			s.logger.Error("active stack overflow, activations are ignored until it unwinds",
				zap.Int("max_depth", s.maxDepth))
		}
		s.overflow++
		return false
	}
	s.entries = append(s.entries, frame{entity: e, generation: generation})
	return true
}

// pop removes the top entry. A deactivation that does not match the top
// is logged and still pops the top so the stack keeps unwinding.
func (s *ActiveStack) pop(expected Entity) (frame, bool) {
	if s.overflow > 0 {
		s.overflow--
		return frame{}, false
	}
	n := len(s.entries)
	if n == 0 {
		s.logger.Warn("deactivating on an empty active stack")
		return frame{}, false
	}
	top := s.entries[n-1]
	if top.entity != expected {
		s.logger.Warn("deactivated entity is not the active one, popping the top")
	}
	s.entries[n-1] = frame{}
	s.entries = s.entries[:n-1]
	return top, true
}

// Handoff keeps an entity alive while it crosses to another goroutine.
// The reference is taken when the Handoff is created, on the sending side.
// A Handoff outliving its instance (the reference was released elsewhere and
// the instance reused) no longer touches it.
type Handoff struct {
	entity     Entity
	stack      *ActiveStack
	generation uint64
	activated  bool
	done       atomic.Bool
}

// stale reports whether the handed-off instance was recycled since the
// Handoff was created.
func (h *Handoff) stale() bool {
	c := coreOf(h.entity)
	if c == nil || c.Generation() == h.generation {
		return false
	}
	c.logger().Warn("hand-off outlived its entity, ignoring",
		zap.Uint64("held_generation", h.generation), zap.Uint64("generation", c.Generation()))
	return true
}

// Entity returns the entity being handed over.
func (h *Handoff) Entity() Entity {
	if h == nil {
		return nil
	}
	return h.entity
}

// Activate pushes the entity on the receiving goroutine's stack.
func (h *Handoff) Activate(stack *ActiveStack) {
	if h == nil || h.activated || h.done.Load() || stack == nil || h.stale() {
		return
	}
	h.stack = stack
	h.activated = true
	h.entity.Activate(stack)
}

// Done deactivates the entity if Activate was called and releases the
// hand-off reference. Calls after the first do nothing.
func (h *Handoff) Done() {
	if h == nil || !h.done.CompareAndSwap(false, true) {
		return
	}
	if h.activated {
		h.entity.Deactivate(h.stack)
	}
	coreOf(h.entity).decrementReferencesAt(h.generation)
}

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const bundleKey bundleKeyType = "apmz"

// contextBundle carries the stack and current entity in one context value.
type contextBundle struct {
	stack  *ActiveStack
	entity Entity
}

func bundleFrom(ctx context.Context) *contextBundle {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(bundleKey).(*contextBundle)
	return b
}

// ContextWithStack returns a context carrying stack.
func ContextWithStack(ctx context.Context, stack *ActiveStack) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	bundle := &contextBundle{stack: stack}
	if prev := bundleFrom(ctx); prev != nil {
		bundle.entity = prev.entity
	}
	return context.WithValue(ctx, bundleKey, bundle)
}

// StackFromContext returns the stack carried by ctx, nil when absent.
func StackFromContext(ctx context.Context) *ActiveStack {
	if b := bundleFrom(ctx); b != nil {
		return b.stack
	}
	return nil
}

// ContextWithEntity returns a context whose current entity is e.
func ContextWithEntity(ctx context.Context, e Entity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	bundle := &contextBundle{entity: e}
	if prev := bundleFrom(ctx); prev != nil {
		bundle.stack = prev.stack
	}
	return context.WithValue(ctx, bundleKey, bundle)
}

// EntityFromContext returns the entity carried by ctx. Without an explicit
// entity the top of the carried stack is used.
func EntityFromContext(ctx context.Context) Entity {
	b := bundleFrom(ctx)
	if b == nil {
		return nil
	}
	if b.entity != nil && !isNilEntity(b.entity) {
		return b.entity
	}
	return b.stack.Current()
}

func isNilEntity(e Entity) bool {
	switch v := e.(type) {
	case *Transaction:
		return v == nil
	case *Span:
		return v == nil
	}
	return false
}
