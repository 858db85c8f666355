package apmhttp

import (
	"fmt"
	"net/http"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/propagation"
)

const (
	spanType    = "external"
	spanSubtype = "http"
)

// Transport traces outbound requests. Requests whose context carries no
// entity pass through untouched.
type Transport struct {
	base   http.RoundTripper
	tracer *apmz.Tracer
}

// WrapTransport wraps base, or http.DefaultTransport when base is nil.
func WrapTransport(tracer *apmz.Tracer, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, tracer: tracer}
}

// WrapClient returns a shallow copy of c whose transport is traced.
func WrapClient(tracer *apmz.Tracer, c *http.Client) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	wrapped := *c
	wrapped.Transport = WrapTransport(tracer, c.Transport)
	return &wrapped
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.StartSpan(req.Context(), req.Method+" "+req.URL.Host)
	if span == nil {
		return t.base.RoundTrip(req)
	}
	span.SetType(spanType)
	span.SetSubtype(spanSubtype)
	span.SetAction(req.Method)
	span.SetLabel(LabelURL, redactedURL(req))

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(ctx)
	span.Inject(propagation.HeaderCarrier(out.Header))

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		span.CaptureException(err)
		span.SetOutcome(apmz.OutcomeFailure)
		span.End()
		return nil, err
	}
	span.SetLabel(LabelStatusCode, fmt.Sprint(resp.StatusCode))
	span.SetOutcome(ClientOutcome(resp.StatusCode))
	span.End()
	return resp, nil
}

// redactedURL drops credentials and the query string.
func redactedURL(req *http.Request) string {
	u := *req.URL
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
