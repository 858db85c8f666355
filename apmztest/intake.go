package apmztest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/zoobzio/apmz/reporter"
)

// Intake is a fake APM Server accepting event streams over HTTP. Point
// config.Config.ServerURLs at Intake.URL to exercise the real transport.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Intake struct {
	*httptest.Server
	payloads   []Payload
	headers    []http.Header
	failures   int
	failStatus int
	mu         sync.Mutex
}

// NewIntake starts a fake intake server. Callers must Close it.
func NewIntake() *Intake {
	i := &Intake{}
	mux := http.NewServeMux()
	mux.HandleFunc(reporter.IntakePath, i.handle)
	i.Server = httptest.NewServer(mux)
	return i
}

// FailNext answers the next n requests with status and accepts nothing.
func (i *Intake) FailNext(n, status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failures = n
	i.failStatus = status
}

func (i *Intake) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := decompress(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()
	payload, err := DecodeReader(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	i.mu.Lock()
	i.headers = append(i.headers, req.Header.Clone())
	if i.failures > 0 {
		i.failures--
		status := i.failStatus
		i.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"accepted":0,"errors":[{"message":"injected failure"}]}`)
		return
	}
	i.payloads = append(i.payloads, payload)
	i.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, `{"accepted":%d}`, payload.Len())
}

func decompress(req *http.Request) (io.ReadCloser, error) {
	switch enc := req.Header.Get("Content-Encoding"); enc {
	case "":
		return req.Body, nil
	case "gzip":
		return gzip.NewReader(req.Body)
	case "deflate":
		return zlib.NewReader(req.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// Payloads returns a copy of every accepted payload.
func (i *Intake) Payloads() []Payload {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Payload(nil), i.payloads...)
}

// Export returns every accepted payload merged into one and clears them.
func (i *Intake) Export() Payload {
	i.mu.Lock()
	payloads := i.payloads
	i.payloads = nil
	i.mu.Unlock()
	return merge(payloads)
}

// Count returns the number of accepted events.
func (i *Intake) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, p := range i.payloads {
		n += p.Len()
	}
	return n
}

// Headers returns the headers of every request received, failed ones included.
func (i *Intake) Headers() []http.Header {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]http.Header(nil), i.headers...)
}
