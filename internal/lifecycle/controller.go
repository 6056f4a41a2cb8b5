// Package lifecycle traces the phases of a pipeline request.
//
// Each traced request gets a root span named after the request and one
// child span per phase (OnRequest, Parsing, Validation, Handler,
// Serialization, OnError, OnSend). Opening a phase span closes the one
// before it, so the exported trace shows total latency on the root and
// per-phase latency on the children.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/CSroseX/phasetrace/internal/ignore"
	"github.com/CSroseX/phasetrace/internal/pipeline"
	"github.com/CSroseX/phasetrace/internal/traceindex"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanRequest       = "Request"
	SpanOnRequest     = "OnRequest"
	SpanParsing       = "Parsing"
	SpanValidation    = "Validation"
	SpanHandler       = "Handler"
	SpanSerialization = "Serialization"
	SpanOnError       = "OnError"
	SpanOnSend        = "OnSend"
)

// Attribute keys.
const (
	AttrMethod     = "method"
	AttrURL        = "url"
	AttrStatusCode = "status_code"
	AttrAborted    = "aborted"
	AttrHookType   = "pipeline.type"

	hookTypeValue = "pipeline.hook"
)

// Recorder receives one entry per completed traced request.
type Recorder interface {
	Record(ctx context.Context, e traceindex.Entry) error
}

// Options configures a Controller. It is read once at registration.
type Options struct {
	Enabled bool

	// Tracer starts the spans. With a nil Tracer the controller is inert.
	Tracer trace.Tracer

	IgnoreURLs    []ignore.Rule
	IgnoreMethods []ignore.Rule

	// NameOverride names the root span. The request URL is used when nil.
	NameOverride func(c *pipeline.Context) string

	// RenameOnRoute renames the root span "<METHOD> <route pattern>" once
	// the request is routed. Unrouted requests keep their name.
	RenameOnRoute bool

	// Propagator extracts the remote parent from request headers. Defaults
	// to W3C trace context and baggage.
	Propagator propagation.TextMapPropagator

	// Clock stamps span start and end times. Defaults to the real clock.
	Clock clockz.Clock

	// Index, when set, is told about every completed traced request.
	Index Recorder
}

// Controller drives a request's State through the pipeline phases.
type Controller struct {
	opts      Options
	key       *pipeline.Key[*State]
	clock     clockz.Clock
	phaseAttr trace.SpanStartEventOption
}

func NewController(opts Options) *Controller {
	if opts.Propagator == nil {
		opts.Propagator = propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Controller{
		opts:      opts,
		key:       pipeline.NewKey[*State]("lifecycle"),
		clock:     clock,
		phaseAttr: trace.WithAttributes(attribute.String(AttrHookType, hookTypeValue)),
	}
}

// Register attaches a new Controller's hooks to app.
//
// A missing tracer on an enabled controller or an unusable ignore rule is
// reported once on the app logger; neither stops registration.
func Register(app *pipeline.App, opts Options) (*Controller, error) {
	log := app.Logger()
	if opts.Enabled && opts.Tracer == nil {
		log.Warn("Tracer is not initialized properly")
	}
	if err := ignore.Validate(opts.IgnoreURLs); err != nil {
		log.Warn("ignoring unusable url rules", "error", err)
	}
	if err := ignore.Validate(opts.IgnoreMethods); err != nil {
		log.Warn("ignoring unusable method rules", "error", err)
	}

	ctl := NewController(opts)
	if err := pipeline.Decorate(app, ctl.key, func() *State { return newState(opts.Tracer) }); err != nil {
		return nil, fmt.Errorf("decorate request state: %w", err)
	}

	app.AddHook(pipeline.PhaseOnRequest, ctl.hook(ctl.onRequest))
	app.AddHook(pipeline.PhasePreParsing, ctl.hook(ctl.preParsing))
	app.AddHook(pipeline.PhasePreValidation, ctl.hook(ctl.preValidation))
	app.AddHook(pipeline.PhasePreHandler, ctl.hook(ctl.preHandler))
	app.AddHook(pipeline.PhasePreSerialization, ctl.hook(ctl.preSerialization))
	app.AddHook(pipeline.PhaseOnError, ctl.hook(ctl.onError))
	app.AddHook(pipeline.PhaseOnSend, ctl.hook(ctl.onSend))
	app.AddHook(pipeline.PhaseOnResponse, ctl.hook(ctl.onResponse))
	app.AddHook(pipeline.PhaseOnAbort, ctl.hook(ctl.onAbort))
	return ctl, nil
}

// State returns the tracing state of the request c belongs to.
func (ctl *Controller) State(c *pipeline.Context) (*State, bool) {
	return pipeline.Value(c, ctl.key)
}

// hook adapts a transition to a pipeline hook. Transitions never fail the
// request.
func (ctl *Controller) hook(fn func(*pipeline.Context, *State)) pipeline.Hook {
	return func(c *pipeline.Context) error {
		if s, ok := ctl.State(c); ok {
			fn(c, s)
		}
		return nil
	}
}

func (ctl *Controller) onRequest(c *pipeline.Context, s *State) {
	if !ctl.opts.Enabled || s.tracer == nil {
		return
	}

	url, method := c.OriginalURL(), c.Method()
	if ignore.Matches(ctl.opts.IgnoreURLs, url) || ignore.Matches(ctl.opts.IgnoreMethods, method) {
		return
	}

	name := url
	if ctl.opts.NameOverride != nil {
		name = ctl.opts.NameOverride(c)
	}
	if name == "" {
		name = SpanRequest
	}
	parent := ctl.opts.Propagator.Extract(c.Context(), propagation.HeaderCarrier(c.Request.Header))
	ctl.begin(s, parent, name, method, url)
	c.SetContext(s.rootCtx)
}

func (ctl *Controller) preParsing(c *pipeline.Context, s *State) {
	ctl.end(&s.onRequestSpan)
	if ctl.opts.RenameOnRoute && s.rootSpan != nil {
		if route := c.RoutePattern(); route != "" {
			s.rootSpan.SetName(c.Method() + " " + route)
		}
	}
	ctl.open(s, &s.parsingSpan, SpanParsing)
}

func (ctl *Controller) preValidation(_ *pipeline.Context, s *State) {
	ctl.end(&s.parsingSpan)
	ctl.open(s, &s.validationSpan, SpanValidation)
}

func (ctl *Controller) preHandler(c *pipeline.Context, s *State) {
	ctl.end(&s.validationSpan)
	if ctx := ctl.open(s, &s.handlerSpan, SpanHandler); ctx != nil {
		c.SetContext(ctx)
	}
}

func (ctl *Controller) preSerialization(c *pipeline.Context, s *State) {
	ctl.end(&s.handlerSpan)
	ctl.restoreRoot(c, s)
	ctl.open(s, &s.serializationSpan, SpanSerialization)
}

func (ctl *Controller) onError(c *pipeline.Context, s *State) {
	ctl.fail(s, c.Err())
	ctl.restoreRoot(c, s)
}

func (ctl *Controller) onSend(c *pipeline.Context, s *State) {
	ctl.send(s)
	ctl.restoreRoot(c, s)
}

func (ctl *Controller) onResponse(c *pipeline.Context, s *State) {
	ctl.endAll(s)
	if s.rootSpan == nil {
		return
	}

	traceID, start := s.TraceID(), s.start
	c.Log.Info(fmt.Sprintf("New trace<%s> was created", traceID), "trace_id", traceID)
	ctl.complete(s, c.StatusCode())

	if ctl.opts.Index == nil {
		return
	}
	entry := traceindex.Entry{
		TraceID:  traceID,
		Method:   c.Method(),
		URL:      c.OriginalURL(),
		Route:    c.RoutePattern(),
		Status:   c.StatusCode(),
		Duration: ctl.clock.Now().Sub(start),
		Time:     start,
	}
	if err := ctl.opts.Index.Record(context.WithoutCancel(c.Context()), entry); err != nil {
		c.Log.Warn("failed to index trace", "trace_id", traceID, "error", err)
	}
}

func (ctl *Controller) onAbort(c *pipeline.Context, s *State) {
	if s.rootSpan != nil {
		c.Log.Debug("closing trace of aborted request", "trace_id", s.TraceID())
	}
	ctl.abort(s)
}

// begin opens the root span under parent and the OnRequest span under it.
func (ctl *Controller) begin(s *State, parent context.Context, name, method, url string) {
	s.start = ctl.clock.Now()
	s.rootCtx, s.rootSpan = s.tracer.Start(parent, name,
		trace.WithTimestamp(s.start),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrMethod, method),
			attribute.String(AttrURL, url),
		),
	)
	ctl.open(s, &s.onRequestSpan, SpanOnRequest)
}

// fail closes every open phase span and opens OnError when traced.
func (ctl *Controller) fail(s *State, err error) {
	ctl.endAll(s)
	if ctl.open(s, &s.onErrorSpan, SpanOnError) == nil || err == nil {
		return
	}
	s.onErrorSpan.RecordError(err)
	s.onErrorSpan.SetStatus(codes.Error, err.Error())
	s.rootSpan.SetStatus(codes.Error, err.Error())
}

// send closes whatever is still open before the reply goes out, normally
// OnError or Serialization, and opens OnSend.
func (ctl *Controller) send(s *State) {
	ctl.endAll(s)
	ctl.open(s, &s.onSendSpan, SpanOnSend)
}

// complete closes OnSend and then the root span.
func (ctl *Controller) complete(s *State, status int) {
	ctl.endAll(s)
	if s.rootSpan == nil {
		return
	}
	s.rootSpan.SetAttributes(attribute.Int(AttrStatusCode, status))
	ctl.end(&s.rootSpan)
	s.rootCtx = nil
}

// abort force-closes every span of a request whose client went away.
func (ctl *Controller) abort(s *State) {
	ctl.endAll(s)
	if s.rootSpan == nil {
		return
	}
	s.rootSpan.SetAttributes(attribute.Bool(AttrAborted, true))
	s.rootSpan.SetStatus(codes.Error, "request aborted")
	ctl.end(&s.rootSpan)
	s.rootCtx = nil
}

// open starts a phase span in slot when the root span is open and returns
// the span's context. It returns nil when the request is not traced.
func (ctl *Controller) open(s *State, slot *trace.Span, name string) context.Context {
	if s.rootSpan == nil {
		return nil
	}
	ctx, span := s.tracer.Start(s.rootCtx, name,
		trace.WithTimestamp(ctl.clock.Now()),
		ctl.phaseAttr,
	)
	*slot = span
	return ctx
}

// end closes the span in slot and clears it. Empty slots are left alone.
func (ctl *Controller) end(slot *trace.Span) {
	if *slot == nil {
		return
	}
	(*slot).End(trace.WithTimestamp(ctl.clock.Now()))
	*slot = nil
}

func (ctl *Controller) endAll(s *State) {
	for _, slot := range s.phaseSlots() {
		ctl.end(slot)
	}
}

func (ctl *Controller) restoreRoot(c *pipeline.Context, s *State) {
	if s.rootCtx != nil {
		c.SetContext(s.rootCtx)
	}
}
