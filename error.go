package apmz

import (
	"runtime"

	jsoniter "github.com/json-iterator/go"

	"github.com/zoobzio/apmz/model"
	"github.com/zoobzio/apmz/reporter"
)

// maxStackFrames bounds the stack captured with an error.
const maxStackFrames = 32

// ErrorCapture is a pooled error event. It is ended and reported as soon
// as it is created, so callers only ever see its id.
type ErrorCapture struct {
	entity
	message string
	errType string
	pcs     [maxStackFrames]uintptr
	depth   int
}

var _ reporter.Event = (*ErrorCapture)(nil)

// ResetState clears the capture for reuse.
func (c *ErrorCapture) ResetState() {
	c.entity.reset()
	c.message = ""
	c.errType = ""
	c.depth = 0
}

// Kind implements reporter.Event.
func (*ErrorCapture) Kind() reporter.Kind { return reporter.KindError }

// WriteModel implements reporter.Event. Stack frames are symbolized here,
// on the reporter goroutine.
func (c *ErrorCapture) WriteModel(stream *jsoniter.Stream) {
	frames, culprit := c.frames()

	c.mu.Lock()
	m := model.Error{
		ID:            c.id.String(),
		ParentID:      hexOrEmpty(c.parentID),
		TransactionID: hexOrEmpty(c.transactionID),
		Timestamp:     model.Timestamp(c.start),
		Culprit:       culprit,
		Exception: model.Exception{
			Message:    c.message,
			Type:       c.errType,
			Stacktrace: frames,
		},
		Context: model.NewContext(c.labels),
	}
	if c.traceID.IsValid() {
		m.TraceID = c.traceID.String()
	}
	c.mu.Unlock()
	model.WriteLine(stream, model.KeyError, &m)
}

// Release implements reporter.Event by dropping the creation reference.
func (c *ErrorCapture) Release() { c.decrementReferences() }

func (c *ErrorCapture) frames() ([]model.StackFrame, string) {
	if c.depth == 0 {
		return nil, ""
	}
	out := make([]model.StackFrame, 0, c.depth)
	iter := runtime.CallersFrames(c.pcs[:c.depth])
	for {
		frame, more := iter.Next()
		out = append(out, model.StackFrame{
			Function: frame.Function,
			Filename: frame.File,
			Lineno:   frame.Line,
		})
		if !more {
			break
		}
	}
	return out, out[0].Function
}
