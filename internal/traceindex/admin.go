package traceindex

import (
	"net/http"
	"strconv"

	"github.com/CSroseX/phasetrace/internal/pipeline"
)

// Handler serves the index. Without a route query parameter it lists the
// known routes; with one it returns that route's recent entries.
//
//	GET /admin/traces
//	GET /admin/traces?route=/orders&limit=20
func Handler(i *Index) pipeline.Handler {
	return func(c *pipeline.Context) (any, error) {
		q := c.Request.URL.Query()
		route := q.Get("route")
		if route == "" {
			routes, err := i.Routes(c.Context())
			if err != nil {
				return nil, pipeline.WrapError(http.StatusServiceUnavailable, "trace index unavailable", err)
			}
			return map[string]any{"routes": routes}, nil
		}

		limit := 0
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return nil, pipeline.NewError(http.StatusBadRequest, "limit must be a non-negative integer")
			}
			limit = n
		}

		entries, err := i.Recent(c.Context(), route, limit)
		if err != nil {
			return nil, pipeline.WrapError(http.StatusServiceUnavailable, "trace index unavailable", err)
		}
		return map[string]any{"route": route, "traces": entries}, nil
	}
}
