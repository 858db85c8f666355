// Package model defines the records sent to the intake endpoint.
//
// A request body is newline-delimited JSON: one metadata line followed by
// one line per event, each wrapped in a single-key object naming its kind,
// e.g. {"span":{...}}.
package model

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the codec used for every intake line.
var JSON = jsoniter.Config{
	EscapeHTML:                    false,
	SortMapKeys:                   true,
	ObjectFieldMustBeSimpleString: true,
}.Froze()

// Agent identity sent in metadata and the User-Agent header.
const (
	AgentName    = "apmz-go"
	AgentVersion = "0.1.0"
)

// Line keys.
const (
	KeyMetadata    = "metadata"
	KeyTransaction = "transaction"
	KeySpan        = "span"
	KeyError       = "error"
)

// WriteLine writes {"key":v} followed by a newline.
func WriteLine(stream *jsoniter.Stream, key string, v any) {
	stream.WriteObjectStart()
	stream.WriteObjectField(key)
	stream.WriteVal(v)
	stream.WriteObjectEnd()
	stream.WriteRaw("\n")
}

// Timestamp converts t to intake epoch microseconds.
func Timestamp(t time.Time) int64 {
	return t.UnixMicro()
}

// Duration converts d to intake milliseconds.
func Duration(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Metadata describes the reporting process. Sent once per request.
type Metadata struct {
	Service Service  `json:"service"`
	Process *Process `json:"process,omitempty"`
	System  *System  `json:"system,omitempty"`
}

// Service identifies the instrumented service.
type Service struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Agent       Agent    `json:"agent"`
	Language    Language `json:"language"`
	Runtime     Runtime  `json:"runtime"`
}

// Agent identifies this agent instance.
type Agent struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	EphemeralID string `json:"ephemeral_id"`
}

// Language names the service's language.
type Language struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Runtime names the service's runtime.
type Runtime struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Process describes the OS process.
type Process struct {
	PID   int      `json:"pid"`
	Title string   `json:"title,omitempty"`
	Argv  []string `json:"argv,omitempty"`
}

// System describes the host.
type System struct {
	Hostname     string `json:"detected_hostname,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Platform     string `json:"platform,omitempty"`
}

// Transaction is a local root of work.
type Transaction struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Result    string    `json:"result,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Duration  float64   `json:"duration"`
	Sampled   bool      `json:"sampled"`
	SpanCount SpanCount `json:"span_count"`
	Context   *Context  `json:"context,omitempty"`
}

// SpanCount tracks children of a transaction.
type SpanCount struct {
	Started int `json:"started"`
	Dropped int `json:"dropped"`
}

// Span is a timed operation inside a transaction.
type Span struct {
	ID            string   `json:"id"`
	TraceID       string   `json:"trace_id"`
	ParentID      string   `json:"parent_id"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Subtype       string   `json:"subtype,omitempty"`
	Action        string   `json:"action,omitempty"`
	Outcome       string   `json:"outcome,omitempty"`
	Timestamp     int64    `json:"timestamp"`
	Duration      float64  `json:"duration"`
	Context       *Context `json:"context,omitempty"`
}

// Error is a captured failure.
type Error struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"trace_id,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     int64     `json:"timestamp"`
	Culprit       string    `json:"culprit,omitempty"`
	Exception     Exception `json:"exception"`
	Context       *Context  `json:"context,omitempty"`
}

// Exception carries the error message and origin.
type Exception struct {
	Message    string       `json:"message"`
	Type       string       `json:"type,omitempty"`
	Stacktrace []StackFrame `json:"stacktrace,omitempty"`
}

// StackFrame is one frame of a captured stack.
type StackFrame struct {
	Function string `json:"function,omitempty"`
	Filename string `json:"filename"`
	Lineno   int    `json:"lineno"`
}

// Context carries user-supplied labels.
type Context struct {
	Tags map[string]string `json:"tags,omitempty"`
}

// NewContext returns nil for empty labels so the field is omitted.
func NewContext(labels map[string]string) *Context {
	if len(labels) == 0 {
		return nil
	}
	return &Context{Tags: labels}
}
