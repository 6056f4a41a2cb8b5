package chaos

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/CSroseX/phasetrace/internal/pipeline"
)

// ChaosRequest is the body of POST /admin/chaos.
type ChaosRequest struct {
	Route       string  `json:"route"` // empty = all routes
	FailBackend bool    `json:"fail_backend"`
	ErrorRate   float64 `json:"error_rate"`
	SlowMs      int     `json:"slow_ms"`
	DropRate    float64 `json:"drop_rate"`
	DurationSec int     `json:"duration_sec"` // 0 = manual recovery only
}

type ChaosResponse struct {
	Rules []Rule `json:"rules"`
	Stats Stats  `json:"stats"`
}

// ConfigHandler serves POST /admin/chaos.
func ConfigHandler(i *Injector) pipeline.Handler {
	return func(c *pipeline.Context) (any, error) {
		var req ChaosRequest
		if err := json.Unmarshal(c.RawBody, &req); err != nil {
			return nil, pipeline.WrapError(http.StatusBadRequest, "invalid JSON", err)
		}
		if req.ErrorRate < 0 || req.ErrorRate > 1 || req.DropRate < 0 || req.DropRate > 1 {
			return nil, pipeline.NewError(http.StatusBadRequest, "rates must be between 0 and 1")
		}

		rule := Rule{
			Route:     req.Route,
			Delay:     time.Duration(req.SlowMs) * time.Millisecond,
			ErrorRate: req.ErrorRate,
			DropRate:  req.DropRate,
		}
		if req.FailBackend {
			rule.ErrorRate = 1
		}
		if req.DurationSec > 0 {
			rule.ExpiresAt = i.clock.Now().Add(time.Duration(req.DurationSec) * time.Second)
		}
		i.Set(rule)

		c.Log.Info("chaos configuration applied", "route", rule.Route, "error_rate", rule.ErrorRate,
			"drop_rate", rule.DropRate, "delay", rule.Delay)
		return map[string]string{"message": "Chaos enabled"}, nil
	}
}

// RecoverHandler serves POST /admin/chaos/recover. A route query parameter
// clears only that route's rule.
func RecoverHandler(i *Injector) pipeline.Handler {
	return func(c *pipeline.Context) (any, error) {
		if route, ok := c.Request.URL.Query()["route"]; ok && len(route) > 0 {
			i.Clear(route[0])
		} else {
			i.ClearAll()
		}
		c.Log.Info("chaos recovery initiated")
		return map[string]string{"message": "Chaos disabled - system recovered"}, nil
	}
}

// StatusHandler serves GET /admin/chaos/status.
func StatusHandler(i *Injector) pipeline.Handler {
	return func(*pipeline.Context) (any, error) {
		return ChaosResponse{Rules: i.Rules(), Stats: i.Stats()}, nil
	}
}

const (
	pathConfig  = "/admin/chaos"
	pathRecover = "/admin/chaos/recover"
	pathStatus  = "/admin/chaos/status"
)

// Mount registers the admin endpoints on app. They are exempt from
// injection so a catch-all rule can always be recovered.
func (i *Injector) Mount(app *pipeline.App) {
	app.Post(pathConfig, ConfigHandler(i))
	app.Post(pathRecover, RecoverHandler(i))
	app.Get(pathStatus, StatusHandler(i))
	i.Exempt(pathConfig, pathRecover, pathStatus)
}
