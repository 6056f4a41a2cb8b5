// Package pipeline is a small hook-driven HTTP request pipeline.
//
// Every request walks a fixed sequence of phases:
//
//	OnRequest -> PreParsing -> (parse body) -> PreValidation -> (validate)
//	-> PreHandler -> (handler) -> PreSerialization -> (serialize)
//	-> OnSend -> (write) -> OnResponse
//
// A failure in any step jumps to OnError, after which the error reply goes
// through OnSend and OnResponse like any other. If the client goes away
// before the reply is written, OnAbort runs instead of OnSend/OnResponse.
// Hooks for one request run one at a time on the serving goroutine.
package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Phase names a point in the request lifecycle where hooks run.
type Phase int

const (
	PhaseOnRequest Phase = iota
	PhasePreParsing
	PhasePreValidation
	PhasePreHandler
	PhasePreSerialization
	PhaseOnError
	PhaseOnSend
	PhaseOnResponse
	PhaseOnAbort
	numPhases
)

var phaseNames = [numPhases]string{
	"onRequest",
	"preParsing",
	"preValidation",
	"preHandler",
	"preSerialization",
	"onError",
	"onSend",
	"onResponse",
	"onAbort",
}

func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return "unknown"
	}
	return phaseNames[p]
}

// Hook runs at a phase. A non-nil error from a hook before the reply is
// serialized sends the request down the error path; errors from OnError,
// OnSend, OnResponse and OnAbort hooks are only logged.
type Hook func(c *Context) error

// Raw is a pre-built reply. It bypasses serialization.
type Raw struct {
	Status int
	Header http.Header
	Body   []byte
}

const (
	defaultBodyLimit = 1 << 20
	headerRequestID  = "X-Request-ID"
)

type App struct {
	log        *slog.Logger
	router     *Router
	hooks      [numPhases][]Hook
	decorators []decorator
	bodyLimit  int64
}

type Option func(*App)

// WithLogger sets the logger requests derive their Context.Log from.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.log = l
	}
}

// WithBodyLimit caps the number of request body bytes read.
func WithBodyLimit(n int64) Option {
	return func(a *App) {
		a.bodyLimit = n
	}
}

func New(opts ...Option) *App {
	a := &App{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		router:    NewRouter(),
		bodyLimit: defaultBodyLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.log
}

// AddHook appends h to the hooks run at phase p. Hooks run in the order
// they were added.
func (a *App) AddHook(p Phase, h Hook) {
	if p < 0 || p >= numPhases || h == nil {
		return
	}
	a.hooks[p] = append(a.hooks[p], h)
}

// Handle registers a route.
func (a *App) Handle(route *Route) {
	a.router.Add(route)
}

func (a *App) Get(path string, h Handler) {
	a.Handle(&Route{Method: http.MethodGet, Path: path, Handler: h})
}

func (a *App) Post(path string, h Handler) {
	a.Handle(&Route{Method: http.MethodPost, Path: path, Handler: h})
}

// Mount routes every request whose path starts with prefix to h.
func (a *App) Mount(prefix string, h Handler) {
	a.Handle(&Route{Path: prefix, Prefix: true, Handler: h})
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := a.newContext(w, r)
	rw := &replyWriter{ResponseWriter: w}

	if err := a.run(c, PhaseOnRequest); err != nil {
		a.fail(c, rw, err)
		return
	}

	c.route = a.router.Match(c.Method(), r.URL.Path)
	payload, err := a.process(c)
	if err != nil {
		a.fail(c, rw, err)
		return
	}

	body, err := a.serialize(c, payload)
	if err != nil {
		a.fail(c, rw, err)
		return
	}
	a.send(c, rw, body)
}

func (a *App) newContext(w http.ResponseWriter, r *http.Request) *Context {
	id := r.Header.Get(headerRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerRequestID, id)

	c := &Context{
		ID:      id,
		Request: r,
		Log:     a.log.With("req_id", id),
		status:  http.StatusOK,
		header:  w.Header(),
		ext:     make(map[any]any, len(a.decorators)),
	}
	for _, d := range a.decorators {
		c.ext[d.key] = d.init()
	}
	return c
}

func (a *App) process(c *Context) (any, error) {
	if err := a.run(c, PhasePreParsing); err != nil {
		return nil, err
	}
	if err := a.parseBody(c); err != nil {
		return nil, err
	}

	if err := a.run(c, PhasePreValidation); err != nil {
		return nil, err
	}
	if c.route != nil && c.route.Validate != nil {
		if err := c.route.Validate(c); err != nil {
			var perr *Error
			if !errors.As(err, &perr) {
				err = WrapError(http.StatusBadRequest, "validation failed", err)
			}
			return nil, err
		}
	}

	if err := a.run(c, PhasePreHandler); err != nil {
		return nil, err
	}
	handler := notFound
	if c.route != nil {
		handler = c.route.Handler
	}
	return invoke(c, handler)
}

func invoke(c *Context, h Handler) (payload any, err error) {
	defer func() {
		if v := recover(); v != nil {
			payload, err = nil, panicError{value: v}
		}
	}()
	return h(c)
}

func (a *App) parseBody(c *Context) error {
	r := c.Request
	if r.Body == nil || r.Body == http.NoBody || (r.ContentLength == 0 && len(r.TransferEncoding) == 0) {
		return nil
	}

	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, a.bodyLimit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrBodyTooLarge
		}
		return WrapError(http.StatusBadRequest, "failed to read body", err)
	}
	c.RawBody = raw
	if len(raw) == 0 {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return WrapError(http.StatusBadRequest, "invalid JSON body", err)
		}
		c.Body = v
	case strings.HasPrefix(mediaType, "text/"):
		c.Body = string(raw)
	default:
		c.Body = raw
	}
	return nil
}

func (a *App) serialize(c *Context, payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		setDefault(c.header, "Content-Type", "text/plain; charset=utf-8")
		return []byte(p), nil
	case *Raw:
		for k, vs := range p.Header {
			c.header[k] = vs
		}
		if p.Status != 0 {
			c.status = p.Status
		}
		return p.Body, nil
	}

	if err := a.run(c, PhasePreSerialization); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(http.StatusInternalServerError, "failed to serialize reply", err)
	}
	setDefault(c.header, "Content-Type", "application/json; charset=utf-8")
	return body, nil
}

// fail runs the error path.
func (a *App) fail(c *Context, rw *replyWriter, err error) {
	c.err = err
	a.runQuiet(c, PhaseOnError)

	c.status = StatusOf(err)
	if c.status >= http.StatusInternalServerError {
		c.Log.Error("request failed", "error", err, "status", c.status)
	} else {
		c.Log.Info("request rejected", "error", err, "status", c.status)
	}
	c.header.Set("Content-Type", "application/json; charset=utf-8")
	a.send(c, rw, errorBody(err))
}

func (a *App) send(c *Context, rw *replyWriter, body []byte) {
	if c.Context().Err() != nil {
		c.Log.Debug("client went away before reply", "error", c.Context().Err())
		a.runQuiet(c, PhaseOnAbort)
		return
	}

	a.runQuiet(c, PhaseOnSend)
	if _, err := rw.reply(c.status, body); err != nil {
		c.Log.Warn("failed to write reply", "error", err)
	}
	a.runQuiet(c, PhaseOnResponse)
}

func (a *App) run(c *Context, p Phase) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = panicError{value: v}
		}
	}()
	for _, h := range a.hooks[p] {
		if err := h(c); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) runQuiet(c *Context, p Phase) {
	if err := a.run(c, p); err != nil {
		c.Log.Warn("hook failed", "phase", p.String(), "error", err)
	}
}

func errorBody(err error) []byte {
	msg := err.Error()
	var perr *Error
	if errors.As(err, &perr) {
		msg = perr.Message
	} else if StatusOf(err) >= http.StatusInternalServerError {
		msg = http.StatusText(http.StatusInternalServerError)
	}
	body, _ := json.Marshal(map[string]string{"error": msg})
	return body
}

func setDefault(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}
