package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phaseLog records the order hooks fire in.
type phaseLog struct {
	phases []Phase
}

func (l *phaseLog) attach(a *App) {
	for p := PhaseOnRequest; p < numPhases; p++ {
		p := p
		a.AddHook(p, func(*Context) error {
			l.phases = append(l.phases, p)
			return nil
		})
	}
}

func TestHealthyRequestRunsEveryPhase(t *testing.T) {
	app := New()
	log := &phaseLog{}
	log.attach(app)
	app.Get("/user", func(*Context) (any, error) {
		return map[string]string{"hello": "world"}, nil
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hello":"world"}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, []Phase{
		PhaseOnRequest, PhasePreParsing, PhasePreValidation, PhasePreHandler,
		PhasePreSerialization, PhaseOnSend, PhaseOnResponse,
	}, log.phases)
}

func TestHandlerErrorTakesErrorPath(t *testing.T) {
	app := New()
	log := &phaseLog{}
	log.attach(app)

	var seen error
	app.AddHook(PhaseOnError, func(c *Context) error {
		seen = c.Err()
		return nil
	})
	app.Get("/user", func(*Context) (any, error) {
		return nil, NewError(http.StatusConflict, "already exists")
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"already exists"}`, rec.Body.String())
	require.Error(t, seen)
	assert.Equal(t, []Phase{
		PhaseOnRequest, PhasePreParsing, PhasePreValidation, PhasePreHandler,
		PhaseOnError, PhaseOnSend, PhaseOnResponse,
	}, log.phases)
}

func TestHookErrorShortCircuits(t *testing.T) {
	app := New()
	log := &phaseLog{}
	app.AddHook(PhasePreParsing, func(*Context) error {
		return errors.New("boom")
	})
	log.attach(app)

	called := false
	app.Get("/user", func(*Context) (any, error) {
		called = true
		return nil, nil
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
	assert.Equal(t, []Phase{PhaseOnRequest, PhaseOnError, PhaseOnSend, PhaseOnResponse}, log.phases)
}

func TestPanicIsRecoveredIntoErrorPath(t *testing.T) {
	app := New()
	log := &phaseLog{}
	log.attach(app)
	app.Get("/panic", func(*Context) (any, error) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, log.phases, PhaseOnError)
	assert.NotContains(t, log.phases, PhasePreSerialization)
}

func TestJSONBodyAndValidation(t *testing.T) {
	app := New()
	app.Handle(&Route{
		Method: http.MethodPost,
		Path:   "/user",
		Validate: func(c *Context) error {
			body, ok := c.Body.(map[string]any)
			if !ok || body["name"] == nil {
				return errors.New("name is required")
			}
			return nil
		},
		Handler: func(c *Context) (any, error) {
			c.Status(http.StatusCreated)
			return c.Body, nil
		},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/user", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("Content-Type", "application/json")
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"name":"ada"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/user", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"validation failed"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/user", strings.NewReader(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid JSON body"}`, rec.Body.String())
}

func TestBodyLimit(t *testing.T) {
	app := New(WithBodyLimit(4))
	app.Post("/upload", func(*Context) (any, error) { return nil, nil })

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStringPayloadSkipsSerialization(t *testing.T) {
	app := New()
	log := &phaseLog{}
	log.attach(app)
	app.Get("/text", func(*Context) (any, error) { return "hi", nil })

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/text", nil))

	assert.Equal(t, "hi", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotContains(t, log.phases, PhasePreSerialization)
}

func TestRawPayload(t *testing.T) {
	app := New()
	app.Mount("/proxy", func(*Context) (any, error) {
		return &Raw{
			Status: http.StatusAccepted,
			Header: http.Header{"X-Upstream": {"yes"}},
			Body:   []byte("ok"),
		}, nil
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/proxy/a/b", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestNotFound(t *testing.T) {
	app := New()
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Route GET:/missing not found", body["error"])
}

func TestAbortedRequestRunsOnAbort(t *testing.T) {
	app := New()
	log := &phaseLog{}
	log.attach(app)

	ctx, cancel := context.WithCancel(context.Background())
	app.Get("/slow", func(*Context) (any, error) {
		cancel()
		return "late", nil
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx))

	assert.Equal(t, PhaseOnAbort, log.phases[len(log.phases)-1])
	assert.NotContains(t, log.phases, PhaseOnSend)
	assert.NotContains(t, log.phases, PhaseOnResponse)
	assert.Empty(t, rec.Body.String())
}

func TestRequestIDIsReused(t *testing.T) {
	app := New()
	var id string
	app.Get("/id", func(c *Context) (any, error) {
		id = c.ID
		return nil, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", id)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestDecorateBuildsFreshValuePerRequest(t *testing.T) {
	app := New()
	type counter struct{ n int }
	key := NewKey[*counter]("counter")
	require.NoError(t, Decorate(app, key, func() *counter { return &counter{} }))
	assert.ErrorIs(t, Decorate(app, key, func() *counter { return &counter{} }), ErrAlreadyDecorated)

	var seen []*counter
	app.AddHook(PhaseOnRequest, func(c *Context) error {
		v, ok := Value(c, key)
		require.True(t, ok)
		v.n++
		seen = append(seen, v)
		return nil
	})
	app.Get("/", func(*Context) (any, error) { return nil, nil })

	for i := 0; i < 3; i++ {
		app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	require.Len(t, seen, 3)
	for _, c := range seen {
		assert.Equal(t, 1, c.n)
	}
	assert.NotSame(t, seen[0], seen[1])
	assert.NotSame(t, seen[1], seen[2])
}

func TestOriginalURLFallsBackToPseudoHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/user?id=1", nil)
	c := &Context{Request: req}
	assert.Equal(t, "/user?id=1", c.OriginalURL())
	assert.Equal(t, http.MethodGet, c.Method())

	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.RequestURI = ""
	req.Method = ""
	req.Header.Set(":path", "/h2/user")
	req.Header.Set(":method", "PUT")
	c = &Context{Request: req}
	assert.Equal(t, "/h2/user", c.OriginalURL())
	assert.Equal(t, "PUT", c.Method())

	req.Header.Del(":path")
	assert.Equal(t, "", c.OriginalURL())
}

func TestRouterMatch(t *testing.T) {
	r := NewRouter()
	exact := &Route{Method: http.MethodGet, Path: "/orders"}
	short := &Route{Path: "/o", Prefix: true}
	long := &Route{Path: "/orders/", Prefix: true}
	r.Add(short)
	r.Add(long)
	r.Add(exact)

	assert.Same(t, exact, r.Match(http.MethodGet, "/orders"))
	assert.Same(t, short, r.Match(http.MethodPost, "/orders"))
	assert.Same(t, long, r.Match(http.MethodGet, "/orders/1"))
	assert.Nil(t, r.Match(http.MethodGet, "/users"))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusOf(ErrBodyTooLarge))
	assert.Equal(t, http.StatusBadGateway, StatusOf(WrapError(http.StatusBadGateway, "upstream", errors.New("dial"))))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
}
