package core

import "time"

// HealthState is the per-provider availability state.
type HealthState string

const (
	// HealthUnknown is the initial state before any probe completes.
	HealthUnknown HealthState = "unknown"

	// HealthHealthy means the last probe or production call succeeded.
	HealthHealthy HealthState = "healthy"

	// HealthDegraded means a failure was observed while healthy.
	HealthDegraded HealthState = "degraded"

	// HealthUnhealthy means the failure threshold was crossed; the
	// provider is excluded from dispatch but still probed.
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the mutable health view of one provider.
type HealthStatus struct {
	State               HealthState `json:"state"`
	LastCheck           time.Time   `json:"last_check"`
	LastSuccess         time.Time   `json:"last_success"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
}

// Routable reports whether a provider in this state may receive
// production traffic. Unknown providers are routable so a freshly
// registered provider can serve before its first scheduled probe.
func (s HealthState) Routable() bool {
	return s != HealthUnhealthy
}
