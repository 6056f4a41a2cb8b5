package proxy

import (
	"github.com/CSroseX/phasetrace/internal/pipeline"

	"go.opentelemetry.io/otel/trace"
)

// Echo replies with what the gateway saw of the request, including the
// trace it was recorded under.
func Echo(c *pipeline.Context) (any, error) {
	reply := map[string]any{
		"method":     c.Method(),
		"url":        c.OriginalURL(),
		"request_id": c.ID,
	}
	if c.Body != nil {
		reply["body"] = c.Body
	}
	if sc := trace.SpanContextFromContext(c.Context()); sc.IsValid() {
		reply["trace_id"] = sc.TraceID().String()
	}
	return reply, nil
}
