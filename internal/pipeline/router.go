package pipeline

import (
	"net/http"
	"strings"
)

// Handler produces the reply payload for a request.
//
// A nil payload sends an empty body. []byte and string payloads are sent
// as-is, a *Raw payload carries its own status and headers, and anything
// else is serialized to JSON after the PreSerialization hooks run.
type Handler func(c *Context) (any, error)

// Validator checks a parsed request before the handler runs.
type Validator func(c *Context) error

type Route struct {
	Method   string // "" matches any method
	Path     string
	Prefix   bool
	Handler  Handler
	Validate Validator
}

type Router struct {
	routes []*Route
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Add(route *Route) {
	r.routes = append(r.routes, route)
}

// Match returns the route for method and path. Exact routes win over prefix
// routes; among prefix routes the longest prefix wins.
func (r *Router) Match(method, path string) *Route {
	var best *Route
	for _, route := range r.routes {
		if route.Method != "" && route.Method != method {
			continue
		}
		if !route.Prefix {
			if route.Path == path {
				return route
			}
			continue
		}
		if strings.HasPrefix(path, route.Path) && (best == nil || len(route.Path) > len(best.Path)) {
			best = route
		}
	}
	return best
}

func notFound(c *Context) (any, error) {
	c.Status(http.StatusNotFound)
	return map[string]string{
		"error": "Route " + c.Method() + ":" + c.Request.URL.Path + " not found",
	}, nil
}
