// Package chaos injects latency and failures into the handler phase so the
// error path of a traced request can be exercised on demand.
package chaos

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/zoobzio/clockz"
)

type Injector struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	exempt map[string]bool
	stats  Stats
	clock  clockz.Clock
	roll   func() float64
}

// NewInjector returns an Injector with no rules. A nil clock uses the real
// clock.
func NewInjector(clock clockz.Clock) *Injector {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Injector{
		rules:  make(map[string]Rule),
		exempt: make(map[string]bool),
		clock:  clock,
		roll:   rand.Float64,
	}
}

// Set installs r, replacing any rule for the same route.
func (i *Injector) Set(r Rule) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules[r.Route] = r
	i.stats.LastInjectionTime = i.clock.Now()
}

// Exempt keeps routes out of every rule, including the catch-all one.
func (i *Injector) Exempt(routes ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, r := range routes {
		i.exempt[r] = true
	}
}

// Clear removes the rule for route.
func (i *Injector) Clear(route string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.rules, route)
	i.stats.LastRecoveryTime = i.clock.Now()
}

// ClearAll removes every rule.
func (i *Injector) ClearAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	clear(i.rules)
	i.stats.LastRecoveryTime = i.clock.Now()
}

// Rules returns the unexpired rules ordered by route.
func (i *Injector) Rules() []Rule {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.expireLocked()

	out := make([]Rule, 0, len(i.rules))
	for _, r := range i.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Route < out[b].Route })
	return out
}

func (i *Injector) Stats() Stats {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.stats
}

// lookup returns the rule for route, falling back to the catch-all rule.
// Exempt routes have no rule.
func (i *Injector) lookup(route string) (Rule, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exempt[route] {
		return Rule{}, false
	}
	i.stats.TotalRequests++
	i.expireLocked()

	if r, ok := i.rules[route]; ok {
		return r, true
	}
	r, ok := i.rules[""]
	return r, ok
}

func (i *Injector) expireLocked() {
	now := i.clock.Now()
	for route, r := range i.rules {
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			delete(i.rules, route)
			i.stats.LastRecoveryTime = now
		}
	}
}

func (i *Injector) record(fn func(*Stats)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(&i.stats)
}
