// Package traceindex keeps, per route, the ids of the most recently traced
// requests in Redis, so an operator can go from "slow /orders call" to a
// trace id without searching the trace backend.
package traceindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "phasetrace"
	defaultTTL    = time.Hour
	defaultMax    = 100
	unrouted      = "_unmatched"
)

// Entry describes one completed traced request.
type Entry struct {
	TraceID  string        `json:"trace_id"`
	Method   string        `json:"method"`
	URL      string        `json:"url"`
	Route    string        `json:"route"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Time     time.Time     `json:"time"`
}

type Index struct {
	redis  redis.Cmdable
	prefix string
	ttl    time.Duration
	max    int64
}

// New returns an Index keeping at most maxPerRoute entries per route, each
// route list expiring ttl after its last write. Zero values pick defaults.
func New(client redis.Cmdable, ttl time.Duration, maxPerRoute int) *Index {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxPerRoute <= 0 {
		maxPerRoute = defaultMax
	}
	return &Index{
		redis:  client,
		prefix: defaultPrefix,
		ttl:    ttl,
		max:    int64(maxPerRoute),
	}
}

// WithPrefix returns a copy of i that namespaces its keys under prefix.
func (i *Index) WithPrefix(prefix string) *Index {
	cp := *i
	cp.prefix = prefix
	return &cp
}

// Record pushes e onto its route's list, trims the list and refreshes its
// expiry in one transaction.
func (i *Index) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	route := routeOf(e)
	key := i.routeKey(route)
	_, err = i.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, i.max-1)
		p.Expire(ctx, key, i.ttl)
		p.SAdd(ctx, i.routesKey(), route)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record trace %s: %w", e.TraceID, err)
	}
	return nil
}

// Recent returns up to n of the newest entries for route, newest first.
func (i *Index) Recent(ctx context.Context, route string, n int) ([]Entry, error) {
	if n <= 0 || int64(n) > i.max {
		n = int(i.max)
	}
	raw, err := i.redis.LRange(ctx, i.routeKey(route), 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read traces for %s: %w", route, err)
	}
	return decode(raw), nil
}

// Routes lists the routes that have entries recorded.
func (i *Index) Routes(ctx context.Context) ([]string, error) {
	routes, err := i.redis.SMembers(ctx, i.routesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

func (i *Index) routeKey(route string) string {
	return i.prefix + ":traces:" + route
}

func (i *Index) routesKey() string {
	return i.prefix + ":routes"
}

func routeOf(e Entry) string {
	if e.Route != "" {
		return e.Route
	}
	return unrouted
}

// decode skips entries that no longer parse rather than failing the read.
func decode(raw []string) []Entry {
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
