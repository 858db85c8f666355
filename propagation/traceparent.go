// Package propagation encodes and decodes trace context and baggage headers.
//
// Trace context travels in the W3C traceparent header
// (version-traceid-parentid-flags) and, for older agents, in the
// elastic-apm-traceparent header carrying the same value. Baggage travels in
// the W3C baggage header as comma-separated key=value;metadata members.
//
// Decoding never fails loudly: malformed trace context is reported as an
// error to the caller which then starts a new root, and malformed baggage
// members are skipped individually.
package propagation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Header names.
const (
	TraceParentHeader        = "traceparent"
	ElasticTraceParentHeader = "elastic-apm-traceparent"
	TraceStateHeader         = "tracestate"
	BaggageHeader            = "baggage"
)

const (
	traceParentLength = 55
	traceIDOffset     = 3
	parentIDOffset    = 36
	flagsOffset       = 53
	supportedVersion  = "00"
)

// ErrInvalidTraceParent is returned for traceparent values that cannot be
// used to continue a trace.
var ErrInvalidTraceParent = errors.New("invalid traceparent")

// TraceParent is the decoded form of a traceparent header.
type TraceParent struct {
	TraceID  trace.TraceID
	ParentID trace.SpanID
	Flags    trace.TraceFlags
}

// Sampled reports whether the recorded flag is set.
func (tp TraceParent) Sampled() bool {
	return tp.Flags.IsSampled()
}

// IsValid reports whether both identifiers are non-zero.
func (tp TraceParent) IsValid() bool {
	return tp.TraceID.IsValid() && tp.ParentID.IsValid()
}

// String returns the header form.
func (tp TraceParent) String() string {
	return FormatTraceParent(tp)
}

// FormatTraceParent renders tp as a version 00 traceparent value.
func FormatTraceParent(tp TraceParent) string {
	var sb strings.Builder
	sb.Grow(traceParentLength)
	sb.WriteString(supportedVersion)
	sb.WriteByte('-')
	sb.WriteString(tp.TraceID.String())
	sb.WriteByte('-')
	sb.WriteString(tp.ParentID.String())
	sb.WriteByte('-')
	sb.WriteString(tp.Flags.String())
	return sb.String()
}

// ParseTraceParent decodes a traceparent value. Surrounding whitespace is
// ignored. Versions other than 00 may carry additional dash-separated fields;
// version ff is rejected.
func ParseTraceParent(value string) (TraceParent, error) {
	s := strings.TrimSpace(value)
	if len(s) < traceParentLength {
		return TraceParent{}, fmt.Errorf("%w: expected at least %d chars, got %d", ErrInvalidTraceParent, traceParentLength, len(s))
	}
	if s[traceIDOffset-1] != '-' || s[parentIDOffset-1] != '-' || s[flagsOffset-1] != '-' {
		return TraceParent{}, fmt.Errorf("%w: malformed %q", ErrInvalidTraceParent, s)
	}
	if len(s) > traceParentLength && s[traceParentLength] != '-' {
		return TraceParent{}, fmt.Errorf("%w: malformed %q", ErrInvalidTraceParent, s)
	}
	version, err := parseHexByte(s[:2])
	if err != nil {
		return TraceParent{}, fmt.Errorf("%w: version: %w", ErrInvalidTraceParent, err)
	}
	if version == 0xff {
		return TraceParent{}, fmt.Errorf("%w: version ff is not supported", ErrInvalidTraceParent)
	}
	if version == 0 && len(s) > traceParentLength {
		return TraceParent{}, fmt.Errorf("%w: version 00 must be exactly %d chars", ErrInvalidTraceParent, traceParentLength)
	}

	traceID, err := trace.TraceIDFromHex(s[traceIDOffset : parentIDOffset-1])
	if err != nil {
		return TraceParent{}, fmt.Errorf("%w: trace id: %w", ErrInvalidTraceParent, err)
	}
	parentID, err := trace.SpanIDFromHex(s[parentIDOffset : flagsOffset-1])
	if err != nil {
		return TraceParent{}, fmt.Errorf("%w: parent id: %w", ErrInvalidTraceParent, err)
	}
	flags, err := parseHexByte(s[flagsOffset:traceParentLength])
	if err != nil {
		return TraceParent{}, fmt.Errorf("%w: flags: %w", ErrInvalidTraceParent, err)
	}

	return TraceParent{
		TraceID:  traceID,
		ParentID: parentID,
		Flags:    trace.TraceFlags(flags),
	}, nil
}

// parseHexByte decodes two lowercase hex digits.
func parseHexByte(s string) (byte, error) {
	for i := 0; i < len(s); i++ {
		if c := s[i]; (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return 0, fmt.Errorf("%q is not lowercase hex", s)
		}
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}
