// Package proxy provides the gateway's route handlers: forwarding to an
// upstream and echoing the request back.
package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/CSroseX/phasetrace/internal/pipeline"

	"go.opentelemetry.io/otel/propagation"
)

// Handler forwards requests to target and replies with the upstream's
// response. The active span context is injected into the outbound headers
// with propagator, so upstream spans join the request's trace.
func Handler(target string, propagator propagation.TextMapPropagator) (pipeline.Handler, error) {
	backendURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", target, err)
	}
	if backendURL.Scheme == "" || backendURL.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", target)
	}
	if propagator == nil {
		propagator = propagation.TraceContext{}
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backendURL)
			pr.SetXForwarded()
			propagator.Inject(pr.Out.Context(), propagation.HeaderCarrier(pr.Out.Header))
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			w.(*bufferWriter).err = err
		},
	}

	return func(c *pipeline.Context) (any, error) {
		out := c.Request.Clone(c.Context())
		out.Body = http.NoBody
		out.ContentLength = int64(len(c.RawBody))
		if len(c.RawBody) > 0 {
			out.Body = readCloser{bytes.NewReader(c.RawBody)}
		}

		bw := newBufferWriter()
		proxy.ServeHTTP(bw, out)
		if bw.err != nil {
			return nil, pipeline.WrapError(http.StatusBadGateway, "upstream unavailable", bw.err)
		}
		return &pipeline.Raw{
			Status: bw.status,
			Header: bw.header,
			Body:   bw.body.Bytes(),
		}, nil
	}, nil
}

type readCloser struct {
	*bytes.Reader
}

func (readCloser) Close() error { return nil }

// bufferWriter collects the upstream response so it can be replied through
// the pipeline.
type bufferWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
	err    error
}

func newBufferWriter() *bufferWriter {
	return &bufferWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferWriter) Header() http.Header { return w.header }

func (w *bufferWriter) WriteHeader(code int) { w.status = code }

func (w *bufferWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
