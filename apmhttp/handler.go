// Package apmhttp instruments net/http servers and clients.
//
// Middleware starts a transaction for every inbound request, continuing the
// caller's trace when the request carries trace context. Transport creates
// an external span for every outbound request made with a context carrying
// an entity and injects the span's trace context into the request headers.
package apmhttp

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/propagation"
)

// Label keys set on request transactions and spans.
const (
	LabelMethod     = "http.method"
	LabelPath       = "http.path"
	LabelStatusCode = "http.status_code"
	LabelURL        = "http.url"
)

const transactionType = "request"

// Option configures Middleware.
type Option func(*handlerOptions)

type handlerOptions struct {
	name func(*http.Request) string
}

// WithRequestName overrides the transaction name, "METHOD /path" by default.
func WithRequestName(fn func(*http.Request) string) Option {
	return func(o *handlerOptions) {
		if fn != nil {
			o.name = fn
		}
	}
}

func defaultRequestName(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// Middleware returns a handler wrapper that traces every request as a
// transaction. The transaction is active on a fresh stack for the duration
// of the handler and is carried by the request context.
func Middleware(tracer *apmz.Tracer, opts ...Option) func(http.Handler) http.Handler {
	o := handlerOptions{name: defaultRequestName}
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tx := tracer.StartTransactionFromHeaders(o.name(r),
				propagation.HeaderCarrier(r.Header),
				apmz.WithTransactionType(transactionType))
			tx.SetLabel(LabelMethod, r.Method)
			tx.SetLabel(LabelPath, r.URL.Path)

			stack := tracer.NewActiveStack()
			tx.Activate(stack)
			ctx := apmz.ContextWithEntity(apmz.ContextWithStack(r.Context(), stack), tx)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					tx.CaptureException(fmt.Errorf("panic: %v", p))
					rec.status = http.StatusInternalServerError
					finish(tx, stack, rec.status)
					tracer.Logger().Debug("handler panicked", zap.Any("panic", p))
					panic(p)
				}
				finish(tx, stack, rec.status)
			}()
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

func finish(tx *apmz.Transaction, stack *apmz.ActiveStack, status int) {
	tx.SetLabel(LabelStatusCode, fmt.Sprint(status))
	tx.SetResult(StatusResult(status))
	tx.SetOutcome(ServerOutcome(status))
	tx.Deactivate(stack)
	tx.End()
}

// StatusResult maps a status code to a result class such as "HTTP 2xx".
func StatusResult(status int) string {
	if status < 100 || status > 599 {
		return ""
	}
	return fmt.Sprintf("HTTP %dxx", status/100)
}

// ServerOutcome classifies a response as seen by the server. Only 5xx
// responses are failures.
func ServerOutcome(status int) apmz.Outcome {
	switch {
	case status >= 500:
		return apmz.OutcomeFailure
	case status >= 100:
		return apmz.OutcomeSuccess
	default:
		return apmz.OutcomeUnknown
	}
}

// ClientOutcome classifies a response as seen by the client. 4xx and 5xx
// responses are failures.
func ClientOutcome(status int) apmz.Outcome {
	switch {
	case status >= 400:
		return apmz.OutcomeFailure
	case status >= 100:
		return apmz.OutcomeSuccess
	default:
		return apmz.OutcomeUnknown
	}
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
