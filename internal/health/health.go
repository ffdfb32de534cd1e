// Package health reports recorder liveness to systemd and over HTTP
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"mdvr/internal/logging"
)

// HealthStatus represents the overall health status of the recorder
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// String returns the string representation of the health status
func (h HealthStatus) String() string {
	return string(h)
}

// HealthCheckConfig holds the liveness thresholds
type HealthCheckConfig struct {
	// Time since the last control loop ping before the recorder is degraded
	DegradedThreshold time.Duration `json:"degradedThreshold"`
	// Time since the last ping before the recorder is unhealthy
	UnhealthyThreshold time.Duration `json:"unhealthyThreshold"`
}

// DefaultHealthCheckConfig returns the default health check configuration
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		DegradedThreshold:  5 * time.Second,
		UnhealthyThreshold: 30 * time.Second,
	}
}

// SystemHealth is the document served by the health endpoint
type SystemHealth struct {
	Status          HealthStatus `json:"status"`
	Timestamp       time.Time    `json:"timestamp"`
	LastPing        *time.Time   `json:"lastPing,omitempty"`
	WatchdogEnabled bool         `json:"watchdogEnabled"`
	WatchdogSent    int64        `json:"watchdogSent"`
	WatchdogFailed  int64        `json:"watchdogFailed"`
	Uptime          string       `json:"uptime"`
	Version         string       `json:"version"`
}

// determineStatus maps the age of the last ping to a status
func determineStatus(config HealthCheckConfig, lastPing, now time.Time) HealthStatus {
	if lastPing.IsZero() {
		return HealthStatusUnhealthy
	}
	age := now.Sub(lastPing)
	switch {
	case age > config.UnhealthyThreshold:
		return HealthStatusUnhealthy
	case age > config.DegradedThreshold:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}

// Health returns the current liveness summary
func (n *Notifier) Health() SystemHealth {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	health := SystemHealth{
		Status:          determineStatus(n.config, n.lastPing, now),
		Timestamp:       now,
		WatchdogEnabled: n.interval > 0 && n.enabled,
		WatchdogSent:    n.sent,
		WatchdogFailed:  n.failed,
		Uptime:          now.Sub(n.startTime).Round(time.Second).String(),
		Version:         logging.Version,
	}
	if !n.lastPing.IsZero() {
		last := n.lastPing
		health.LastPing = &last
	}
	return health
}

// Handler serves the health summary. Unhealthy answers 503.
func (n *Notifier) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := n.Health()

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(health); err != nil {
			n.logger.WithError(err).Error("Failed to encode health response")
		}
	}
}
