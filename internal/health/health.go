// SPDX-License-Identifier: MIT

// Package health provides health and readiness check functionality for
// production deployments. It supports Docker HEALTHCHECK and Kubernetes
// probes with detailed component status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quartzvideo/hwbridge/internal/encoder"
	"github.com/quartzvideo/hwbridge/internal/log"
)

// Status represents the overall health/readiness status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response represents the full health check response
type Response struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager manages health and readiness checks
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a new health check manager
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a health checker to the manager
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs a health check (liveness probe).
func (m *Manager) Health(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks = make(map[string]CheckResult)
	resp.Status = m.aggregate(ctx, resp.Checks)
	return resp
}

// Ready performs a readiness check (readiness probe).
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks = make(map[string]CheckResult)
	resp.Status = m.aggregate(ctx, resp.Checks)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	return resp
}

func (m *Manager) aggregate(ctx context.Context, out map[string]CheckResult) Status {
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		out[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status != StatusUnhealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// ServeHealth handles HTTP health check requests
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("health")
	resp := m.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always 200 for liveness

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness check requests
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("readiness")
	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}
}

// SessionChecker reports the health of one encoder session from its
// diagnostics snapshot.
type SessionChecker struct {
	name string
	diag func() encoder.Diagnostics
}

// NewSessionChecker creates a checker backed by a diagnostics source.
func NewSessionChecker(name string, diag func() encoder.Diagnostics) *SessionChecker {
	return &SessionChecker{name: name, diag: diag}
}

func (c *SessionChecker) Name() string {
	return c.name
}

func (c *SessionChecker) Check(_ context.Context) CheckResult {
	d := c.diag()
	msg := fmt.Sprintf("state=%s uptime=%s errors=%d/%d recoveries=%d",
		d.State, d.Uptime.Truncate(time.Second), d.ConsecutiveErrors, d.TotalErrors, d.RecoveryAttempts)

	switch d.State {
	case encoder.StateFailed, encoder.StateHung:
		return CheckResult{Status: StatusUnhealthy, Message: msg, Error: d.LastError}
	case encoder.StateError, encoder.StateRecovering:
		return CheckResult{Status: StatusDegraded, Message: msg, Error: d.LastError}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}
