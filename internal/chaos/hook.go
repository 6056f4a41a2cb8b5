package chaos

import (
	"net/http"
	"time"

	"github.com/CSroseX/phasetrace/internal/pipeline"
)

var (
	ErrInjectedFailure = pipeline.NewError(http.StatusServiceUnavailable, "service unavailable (chaos injection)")
	ErrInjectedDrop    = pipeline.NewError(http.StatusGatewayTimeout, "request dropped (chaos injection)")
)

// Hook returns a PreHandler hook applying the rule for the request's route.
// An injected failure sends the request down the error path.
func (i *Injector) Hook() pipeline.Hook {
	return func(c *pipeline.Context) error {
		rule, ok := i.lookup(c.RoutePattern())
		if !ok {
			return nil
		}

		if rule.Delay > 0 {
			i.record(func(s *Stats) { s.DelayedRequests++ })
			c.Log.Debug("chaos: injecting latency", "delay", rule.Delay, "route", rule.Route)
			t := time.NewTimer(rule.Delay)
			select {
			case <-t.C:
			case <-c.Context().Done():
				t.Stop()
				return c.Context().Err()
			}
		}

		if rule.ErrorRate > 0 && i.roll() < rule.ErrorRate {
			i.record(func(s *Stats) { s.FailedRequests++ })
			c.Log.Info("chaos: injecting failure", "route", rule.Route)
			return ErrInjectedFailure
		}
		if rule.DropRate > 0 && i.roll() < rule.DropRate {
			i.record(func(s *Stats) { s.DroppedRequests++ })
			c.Log.Info("chaos: dropping request", "route", rule.Route)
			return ErrInjectedDrop
		}
		return nil
	}
}
