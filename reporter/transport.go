package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/model"
)

// IntakePath is the events endpoint relative to a server URL.
const IntakePath = "/intake/v2/events"

// maxResponseBody bounds how much of a collector response is read.
const maxResponseBody = 64 << 10

// Ack summarizes one intake request.
type Ack struct {
	StatusCode    int
	Accepted      int
	BytesSent     int
	BytesReceived int
}

// Transport delivers batches. Implementations are used from a single
// goroutine.
type Transport interface {
	Send(ctx context.Context, batch *Batch) (Ack, error)
}

// TransportError is returned for non-2xx intake responses.
type TransportError struct {
	URL        string
	StatusCode int
	Body       string
	Accepted   int
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("intake %s responded %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("intake %s responded %d: %s", e.URL, e.StatusCode, e.Body)
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger *zap.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithLocalCompression compresses requests to loopback hosts too, which are
// sent uncompressed by default.
func WithLocalCompression(enabled bool) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.compressLocal = enabled
	}
}

// HTTPTransport posts compressed ndjson batches to the intake API,
// rotating through the configured server URLs on connection failures and
// server-side errors.
type HTTPTransport struct {
	client      *http.Client
	logger      *zap.Logger
	urls        []*url.URL
	current     int
	compression string
	auth        string
	userAgent   string
	timeout     time.Duration

	compressLocal bool

	out  bytes.Buffer
	gzip *gzip.Writer
	zlib *zlib.Writer
}

// NewHTTPTransport creates a transport from cfg.
func NewHTTPTransport(cfg config.Config, opts ...HTTPTransportOption) (*HTTPTransport, error) {
	if len(cfg.ServerURLs) == 0 {
		return nil, fmt.Errorf("%w: no server urls", config.ErrInvalid)
	}
	urls := make([]*url.URL, 0, len(cfg.ServerURLs))
	for _, raw := range cfg.ServerURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing server url %q: %w", raw, err)
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + IntakePath
		urls = append(urls, u)
	}

	t := &HTTPTransport{
		client:      &http.Client{},
		logger:      zap.NewNop(),
		urls:        urls,
		compression: cfg.Compression,
		userAgent:   userAgent(cfg),
		timeout:     cfg.ServerTimeout,
	}
	switch {
	case cfg.APIKey != "":
		t.auth = "ApiKey " + cfg.APIKey
	case cfg.SecretToken != "":
		t.auth = "Bearer " + cfg.SecretToken
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func userAgent(cfg config.Config) string {
	ua := model.AgentName + "/" + model.AgentVersion
	if cfg.ServiceName == "" {
		return ua
	}
	if cfg.ServiceVersion == "" {
		return ua + " (" + cfg.ServiceName + ")"
	}
	return ua + " (" + cfg.ServiceName + " " + cfg.ServiceVersion + ")"
}

// URL returns the intake URL the next request goes to.
func (t *HTTPTransport) URL() string {
	return t.urls[t.current].String()
}

// Send posts batch to the current server URL.
func (t *HTTPTransport) Send(ctx context.Context, batch *Batch) (Ack, error) {
	target := t.urls[t.current]
	encoding, err := t.encode(batch, target)
	if err != nil {
		return Ack{}, fmt.Errorf("encoding batch: %w", err)
	}
	ack := Ack{BytesSent: t.out.Len()}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(t.out.Bytes()))
	if err != nil {
		return Ack{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", t.userAgent)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.rotate()
		return Ack{}, fmt.Errorf("posting to %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	ack.StatusCode = resp.StatusCode
	ack.BytesReceived = len(body)
	if readErr != nil {
		// A truncated body says nothing about what the server accepted.
		t.logger.Debug("failed to read intake response",
			zap.String("url", target.Redacted()),
			zap.Int("status", resp.StatusCode),
			zap.Error(readErr))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ack.Accepted = batch.Events
		if accepted := gjson.GetBytes(body, "accepted"); readErr == nil && accepted.Exists() {
			ack.Accepted = int(accepted.Int())
		}
		return ack, nil
	}

	if readErr == nil {
		ack.Accepted = int(gjson.GetBytes(body, "accepted").Int())
	}
	if resp.StatusCode == http.StatusNotFound {
		t.logger.Warn("intake endpoint not found, the server is probably incompatible with this agent",
			zap.String("url", target.Redacted()))
	}
	if resp.StatusCode > http.StatusTooManyRequests {
		t.rotate()
	}
	return ack, &TransportError{
		URL:        target.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Accepted:   ack.Accepted,
	}
}

// encode writes the request body into t.out and returns the
// Content-Encoding value, empty for an uncompressed body.
func (t *HTTPTransport) encode(batch *Batch, target *url.URL) (string, error) {
	t.out.Reset()

	compression := t.compression
	if !t.compressLocal && isLocalhost(target) {
		compression = config.CompressionNone
	}

	var (
		w        io.WriteCloser
		encoding string
	)
	switch compression {
	case config.CompressionGzip:
		if t.gzip == nil {
			gz, err := gzip.NewWriterLevel(&t.out, gzip.BestSpeed)
			if err != nil {
				return "", err
			}
			t.gzip = gz
		} else {
			t.gzip.Reset(&t.out)
		}
		w, encoding = t.gzip, "gzip"
	case config.CompressionDeflate:
		if t.zlib == nil {
			zw, err := zlib.NewWriterLevel(&t.out, zlib.BestSpeed)
			if err != nil {
				return "", err
			}
			t.zlib = zw
		} else {
			t.zlib.Reset(&t.out)
		}
		w, encoding = t.zlib, "deflate"
	default:
		t.out.Grow(batch.Size())
		t.out.Write(batch.Metadata)
		if batch.Body != nil {
			t.out.Write(batch.Body.Bytes())
		}
		return "", nil
	}

	if _, err := w.Write(batch.Metadata); err != nil {
		return "", err
	}
	if batch.Body != nil {
		if _, err := w.Write(batch.Body.Bytes()); err != nil {
			return "", err
		}
	}
	return encoding, w.Close()
}

func (t *HTTPTransport) rotate() {
	if len(t.urls) > 1 {
		t.current = (t.current + 1) % len(t.urls)
		t.logger.Info("switching intake server", zap.String("url", t.urls[t.current].Redacted()))
	}
}

func isLocalhost(u *url.URL) bool {
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
