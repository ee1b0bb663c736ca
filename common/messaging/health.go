package messaging

import (
	"context"
	"time"
)

// HealthChecker can check the health of a messaging connection.
type HealthChecker interface {
	// CheckHealth returns nil if the connection is healthy, error otherwise.
	CheckHealth(ctx context.Context) error
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

// CheckHealth runs checker and times it.
func CheckHealth(ctx context.Context, checker HealthChecker) HealthStatus {
	if checker == nil {
		return HealthStatus{Error: "checker is nil"}
	}

	start := time.Now()
	err := checker.CheckHealth(ctx)
	status := HealthStatus{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
