package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// State is the tracing record of one in-flight request. A fresh State is
// built for every request and dropped with it; span slots are never shared
// between requests.
//
// rootSpan is set for the whole request iff the request is traced. Phase
// spans are always children of rootSpan. At most one phase slot is open at
// a time, except while the error path is closing several at once.
type State struct {
	tracer trace.Tracer

	rootCtx  context.Context
	rootSpan trace.Span
	start    time.Time

	onRequestSpan     trace.Span
	parsingSpan       trace.Span
	validationSpan    trace.Span
	handlerSpan       trace.Span
	serializationSpan trace.Span
	onErrorSpan       trace.Span
	onSendSpan        trace.Span
}

func newState(tracer trace.Tracer) *State {
	return &State{tracer: tracer}
}

// Traced reports whether a root span is open for the request.
func (s *State) Traced() bool {
	return s.rootSpan != nil
}

// TraceID returns the trace id of the root span, or "" when there is none.
func (s *State) TraceID() string {
	if s.rootSpan == nil {
		return ""
	}
	return s.rootSpan.SpanContext().TraceID().String()
}

// phaseSlots returns every phase slot in lifecycle order.
func (s *State) phaseSlots() []*trace.Span {
	return []*trace.Span{
		&s.onRequestSpan,
		&s.parsingSpan,
		&s.validationSpan,
		&s.handlerSpan,
		&s.serializationSpan,
		&s.onErrorSpan,
		&s.onSendSpan,
	}
}
