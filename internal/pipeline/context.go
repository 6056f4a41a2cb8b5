package pipeline

import (
	"context"
	"log/slog"
	"net/http"
)

// Context is the per-request object handed to every hook and handler.
// It is owned by the goroutine serving the request and is not safe for
// concurrent use.
type Context struct {
	// ID identifies the request. Taken from X-Request-ID when present.
	ID string

	Request *http.Request

	// Log is the request scoped logger.
	Log *slog.Logger

	// Body is the parsed request body: the decoded JSON value, a string for
	// text payloads, or RawBody for anything else.
	Body    any
	RawBody []byte

	route  *Route
	status int
	header http.Header
	err    error
	ext    map[any]any
}

// Context returns the request's context.
func (c *Context) Context() context.Context {
	return c.Request.Context()
}

// SetContext replaces the request's context. Hooks use it to make values,
// such as the active span, visible to later phases and the handler.
func (c *Context) SetContext(ctx context.Context) {
	c.Request = c.Request.WithContext(ctx)
}

// OriginalURL returns the request target as sent by the client. The raw
// request line is preferred; the HTTP/2 :path pseudo header is the fallback.
// It returns "" when neither is present.
func (c *Context) OriginalURL() string {
	if c.Request.RequestURI != "" {
		return c.Request.RequestURI
	}
	return c.Request.Header.Get(":path")
}

// Method returns the request method, falling back to the :method pseudo
// header.
func (c *Context) Method() string {
	if c.Request.Method != "" {
		return c.Request.Method
	}
	return c.Request.Header.Get(":method")
}

// RoutePattern returns the pattern of the matched route, or "" when no
// route matched.
func (c *Context) RoutePattern() string {
	if c.route == nil {
		return ""
	}
	return c.route.Path
}

// Status sets the response status code.
func (c *Context) Status(code int) {
	c.status = code
}

// StatusCode returns the response status code.
func (c *Context) StatusCode() int {
	return c.status
}

// Header returns the response headers.
func (c *Context) Header() http.Header {
	return c.header
}

// Err returns the error that sent the request down the error path, if any.
func (c *Context) Err() error {
	return c.err
}

// Key names a typed per-request value registered with Decorate.
type Key[T any] struct {
	name string
}

// NewKey returns a new key. Keys compare by identity, so two keys created
// with the same name are distinct.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string {
	return k.name
}

// Decorate registers init to build a fresh value for key on every request,
// before any hook runs.
func Decorate[T any](a *App, key *Key[T], init func() T) error {
	for _, d := range a.decorators {
		if d.key == key {
			return ErrAlreadyDecorated
		}
	}
	a.decorators = append(a.decorators, decorator{
		key:  key,
		init: func() any { return init() },
	})
	return nil
}

// Value returns the value stored under key for this request.
func Value[T any](c *Context, key *Key[T]) (T, bool) {
	v, ok := c.ext[key].(T)
	return v, ok
}

type decorator struct {
	key  any
	init func() any
}
