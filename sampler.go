package apmz

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/trace"
)

// Sampler decides whether a new root trace is recorded in full.
// The decision is made once per trace and inherited by every child.
type Sampler interface {
	Sample(traceID trace.TraceID) bool
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(traceID trace.TraceID) bool

// Sample calls f.
func (f SamplerFunc) Sample(traceID trace.TraceID) bool {
	return f(traceID)
}

type constSampler bool

func (s constSampler) Sample(trace.TraceID) bool {
	return bool(s)
}

// AlwaysSample samples every trace.
func AlwaysSample() Sampler { return constSampler(true) }

// NeverSample samples no trace.
func NeverSample() Sampler { return constSampler(false) }

// RatioSampler samples a fixed fraction of traces. The decision is a pure
// function of the trace id, so every agent seeing the same root agrees.
type RatioSampler struct {
	threshold uint64
	rate      float64
}

// NewRatioSampler returns a sampler for rate in [0,1]. Out of range values
// are clamped.
func NewRatioSampler(rate float64) Sampler {
	switch {
	case rate >= 1:
		return AlwaysSample()
	case rate <= 0 || math.IsNaN(rate):
		return NeverSample()
	}
	return &RatioSampler{
		threshold: uint64(rate * math.MaxUint64),
		rate:      rate,
	}
}

// Rate returns the configured fraction.
func (s *RatioSampler) Rate() float64 {
	return s.rate
}

// Sample hashes the trace id and compares it to the rate threshold.
func (s *RatioSampler) Sample(traceID trace.TraceID) bool {
	return xxhash.Sum64(traceID[:]) < s.threshold
}
