package chaos

import "time"

// Rule injects faults into requests routed to Route. An empty Route
// applies to every request.
type Rule struct {
	Route     string        `json:"route"`
	Delay     time.Duration `json:"delay"`
	ErrorRate float64       `json:"error_rate"` // chance of a 503, 0..1
	DropRate  float64       `json:"drop_rate"`  // chance of a 504, 0..1
	ExpiresAt time.Time     `json:"expires_at,omitzero"`
}

// Stats counts injected faults.
type Stats struct {
	TotalRequests     int64     `json:"total_requests"`
	DroppedRequests   int64     `json:"dropped_requests"`
	FailedRequests    int64     `json:"failed_requests"`
	DelayedRequests   int64     `json:"delayed_requests"`
	LastRecoveryTime  time.Time `json:"last_recovery_time,omitzero"`
	LastInjectionTime time.Time `json:"last_injection_time,omitzero"`
}
