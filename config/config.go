// Package config defines the agent configuration and its loader.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// APMZ_SERVER_URLS or APMZ_BACKOFF_MAX.
const EnvPrefix = "APMZ"

// Compression algorithms for intake requests.
const (
	CompressionGzip    = "gzip"
	CompressionDeflate = "deflate"
	CompressionNone    = "none"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full agent configuration.
type Config struct {
	ServiceName    string   `mapstructure:"service_name"`
	ServiceVersion string   `mapstructure:"service_version"`
	Environment    string   `mapstructure:"environment"`
	ServerURLs     []string `mapstructure:"server_urls"`
	SecretToken    string   `mapstructure:"secret_token"`
	APIKey         string   `mapstructure:"api_key"`

	ServerTimeout  time.Duration `mapstructure:"server_timeout"`
	MaxQueueSize   int           `mapstructure:"max_queue_size"`
	APIRequestTime time.Duration `mapstructure:"api_request_time"`
	// APIRequestSize is the uncompressed body size at which a request is
	// cut. Loaded from a size string such as "768kb".
	APIRequestSize int    `mapstructure:"-"`
	BatchMaxEvents int    `mapstructure:"batch_max_events"`
	Compression    string `mapstructure:"compression"`
	DisableSend    bool   `mapstructure:"disable_send"`
	ReportSync     bool   `mapstructure:"report_sync"`

	TransactionSampleRate       float64       `mapstructure:"transaction_sample_rate"`
	TransactionMaxSpans         int           `mapstructure:"transaction_max_spans"`
	SpanMinDuration             time.Duration `mapstructure:"span_min_duration"`
	StackMaxDepth               int           `mapstructure:"stack_max_depth"`
	UseElasticTraceparentHeader bool          `mapstructure:"use_elastic_traceparent_header"`
	BaggageCacheSize            int           `mapstructure:"baggage_cache_size"`

	Backoff BackoffConfig `mapstructure:"backoff"`
	Pools   PoolConfig    `mapstructure:"pools"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackoffConfig shapes the reconnect delay after transport failures.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

// PoolConfig holds the idle capacity of each object pool.
type PoolConfig struct {
	Transactions int `mapstructure:"transactions"`
	Spans        int `mapstructure:"spans"`
	Errors       int `mapstructure:"errors"`
	Buffers      int `mapstructure:"buffers"`
	BufferSize   int `mapstructure:"buffer_size"`
}

// LogConfig configures the agent's own logger.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Sampling bool   `mapstructure:"sampling"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ServiceName:           "unknown-service",
		ServerURLs:            []string{"http://localhost:8200"},
		ServerTimeout:         5 * time.Second,
		MaxQueueSize:          512,
		APIRequestTime:        10 * time.Second,
		APIRequestSize:        768 * 1024,
		BatchMaxEvents:        1000,
		Compression:           CompressionGzip,
		TransactionSampleRate: 1.0,
		TransactionMaxSpans:   500,
		StackMaxDepth:         250,
		BaggageCacheSize:      256,
		Backoff: BackoffConfig{
			Initial:    time.Second,
			Max:        36 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
		Pools: PoolConfig{
			Transactions: 256,
			Spans:        1024,
			Errors:       64,
			Buffers:      8,
			BufferSize:   64 * 1024,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
	}
}

// NewViper returns a viper instance holding the defaults and bound to the
// APMZ_ environment. Callers may bind flags to it before FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from path (optional) and the environment on top
// of Default. An empty path skips the file.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.APIRequestSize = int(v.GetSizeInBytes("api_request_size"))
	cfg.ServerURLs = splitURLs(cfg.ServerURLs)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("service_version", d.ServiceVersion)
	v.SetDefault("environment", d.Environment)
	v.SetDefault("server_urls", d.ServerURLs)
	v.SetDefault("secret_token", d.SecretToken)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("server_timeout", d.ServerTimeout)
	v.SetDefault("max_queue_size", d.MaxQueueSize)
	v.SetDefault("api_request_time", d.APIRequestTime)
	v.SetDefault("api_request_size", "768kb")
	v.SetDefault("batch_max_events", d.BatchMaxEvents)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("disable_send", d.DisableSend)
	v.SetDefault("report_sync", d.ReportSync)
	v.SetDefault("transaction_sample_rate", d.TransactionSampleRate)
	v.SetDefault("transaction_max_spans", d.TransactionMaxSpans)
	v.SetDefault("span_min_duration", d.SpanMinDuration)
	v.SetDefault("stack_max_depth", d.StackMaxDepth)
	v.SetDefault("use_elastic_traceparent_header", d.UseElasticTraceparentHeader)
	v.SetDefault("baggage_cache_size", d.BaggageCacheSize)

	v.SetDefault("backoff.initial", d.Backoff.Initial)
	v.SetDefault("backoff.max", d.Backoff.Max)
	v.SetDefault("backoff.multiplier", d.Backoff.Multiplier)
	v.SetDefault("backoff.jitter", d.Backoff.Jitter)

	v.SetDefault("pools.transactions", d.Pools.Transactions)
	v.SetDefault("pools.spans", d.Pools.Spans)
	v.SetDefault("pools.errors", d.Pools.Errors)
	v.SetDefault("pools.buffers", d.Pools.Buffers)
	v.SetDefault("pools.buffer_size", d.Pools.BufferSize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.sampling", d.Log.Sampling)
}

// splitURLs accepts both list values and a single comma-separated string.
func splitURLs(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	invalid := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(c.ServerURLs) == 0 && !c.DisableSend {
		invalid("server_urls must not be empty")
	}
	for _, raw := range c.ServerURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid("server_urls: %q is not an http(s) URL", raw)
		}
	}
	if c.ServerTimeout <= 0 {
		invalid("server_timeout must be positive, got %s", c.ServerTimeout)
	}
	if c.MaxQueueSize <= 0 {
		invalid("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.APIRequestTime <= 0 {
		invalid("api_request_time must be positive, got %s", c.APIRequestTime)
	}
	if c.APIRequestSize <= 0 {
		invalid("api_request_size must be positive, got %d", c.APIRequestSize)
	}
	if c.BatchMaxEvents <= 0 {
		invalid("batch_max_events must be positive, got %d", c.BatchMaxEvents)
	}
	switch c.Compression {
	case CompressionGzip, CompressionDeflate, CompressionNone:
	default:
		invalid("compression must be one of gzip, deflate, none, got %q", c.Compression)
	}
	if c.TransactionSampleRate < 0 || c.TransactionSampleRate > 1 {
		invalid("transaction_sample_rate must be within [0, 1], got %v", c.TransactionSampleRate)
	}
	if c.TransactionMaxSpans < 0 {
		invalid("transaction_max_spans must not be negative, got %d", c.TransactionMaxSpans)
	}
	if c.SpanMinDuration < 0 {
		invalid("span_min_duration must not be negative, got %s", c.SpanMinDuration)
	}
	if c.StackMaxDepth <= 0 {
		invalid("stack_max_depth must be positive, got %d", c.StackMaxDepth)
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		invalid("backoff: need 0 < initial <= max, got %s / %s", c.Backoff.Initial, c.Backoff.Max)
	}
	if c.Backoff.Multiplier < 1 {
		invalid("backoff.multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		invalid("backoff.jitter must be within [0, 1), got %v", c.Backoff.Jitter)
	}

	return result.ErrorOrNil()
}
