package propagation

import (
	"strings"

	"go.uber.org/zap"

	"github.com/zoobzio/apmz/baggage"
	"github.com/zoobzio/apmz/cache"
)

// DefaultCacheSize bounds the parsed baggage header cache.
const DefaultCacheSize = 256

// Extracted is the trace context read from an incoming carrier.
type Extracted struct {
	TraceParent TraceParent
	// Valid is false when no usable traceparent was found; the receiver
	// starts a new trace.
	Valid      bool
	TraceState string
	Baggage    *baggage.Baggage
}

// Option configures a Codec.
type Option func(*Codec)

// WithElasticHeader additionally writes the legacy elastic-apm-traceparent
// header on injection.
func WithElasticHeader(enabled bool) Option {
	return func(c *Codec) {
		c.elasticHeader = enabled
	}
}

// WithCacheSize sets the parsed baggage header cache size.
func WithCacheSize(size int) Option {
	return func(c *Codec) {
		c.cacheSize = size
	}
}

// WithLogger sets the logger used for rejected headers.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Codec) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Codec injects and extracts trace context on carriers.
// Safe for concurrent use by multiple goroutines.
type Codec struct {
	baggageCache  *cache.LRU[string, *baggage.Baggage]
	logger        *zap.Logger
	cacheSize     int
	elasticHeader bool
}

// NewCodec creates a codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		logger:    zap.NewNop(),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baggageCache = cache.New[string, *baggage.Baggage](c.cacheSize)
	return c
}

// Inject writes tp and b to carrier. An invalid tp writes no trace headers;
// empty baggage writes no baggage header.
func (c *Codec) Inject(carrier Carrier, tp TraceParent, b *baggage.Baggage) {
	if carrier == nil {
		return
	}
	if tp.IsValid() {
		header := FormatTraceParent(tp)
		carrier.Set(TraceParentHeader, header)
		if c.elasticHeader {
			carrier.Set(ElasticTraceParentHeader, header)
		}
	}
	if header := FormatBaggage(b); header != "" {
		carrier.Set(BaggageHeader, header)
	}
}

// InjectTraceState writes a tracestate value received from upstream.
func (c *Codec) InjectTraceState(carrier Carrier, state string) {
	if carrier == nil || state == "" {
		return
	}
	carrier.Set(TraceStateHeader, state)
}

// Extract reads trace context from carrier. The W3C header takes precedence
// over the legacy one. Baggage is returned even without a valid traceparent.
func (c *Codec) Extract(carrier Carrier) Extracted {
	out := Extracted{Baggage: baggage.Empty}
	if carrier == nil {
		return out
	}

	header := carrier.Get(TraceParentHeader)
	if header == "" {
		header = carrier.Get(ElasticTraceParentHeader)
	}
	if header != "" {
		tp, err := ParseTraceParent(header)
		if err != nil {
			c.logger.Debug("ignoring traceparent", zap.String("value", header), zap.Error(err))
		} else {
			out.TraceParent = tp
			out.Valid = true
			out.TraceState = strings.Join(carrier.Values(TraceStateHeader), ",")
		}
	}

	out.Baggage = c.ExtractBaggage(carrier)
	return out
}

// ExtractBaggage reads only the baggage header.
func (c *Codec) ExtractBaggage(carrier Carrier) *baggage.Baggage {
	if carrier == nil {
		return baggage.Empty
	}
	values := carrier.Values(BaggageHeader)
	if len(values) == 0 {
		return baggage.Empty
	}
	key := strings.Join(values, ",")
	if len(key) > maxBaggageBytes {
		// Oversized headers are parsed up to the limit and never cached.
		return ParseBaggage(key)
	}
	// Parsing never fails, so the loader error is always nil.
	b, _ := c.baggageCache.GetOrCompute(key, func(raw string) (*baggage.Baggage, error) {
		return ParseBaggage(raw), nil
	})
	return b
}
