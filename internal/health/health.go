// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the ops listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/epgd/epgd/internal/log"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the body served for both probes.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checkers and serves the probe endpoints.
type Manager struct {
	version  string
	checkers []Checker
}

func NewManager(version string) *Manager {
	return &Manager{version: version}
}

func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

func (m *Manager) evaluate(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     true,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
			resp.Ready = false
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHealth handles the liveness probe. Always 200 while the process runs.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	resp := m.evaluate(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).
			Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles the readiness probe. 503 when any checker is unhealthy.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.evaluate(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).
			Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}
}

// DirChecker verifies a directory exists.
type DirChecker struct {
	name string
	path string
}

func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: c.path}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected directory", Message: c.path}
	}
	return CheckResult{Status: StatusHealthy, Message: c.path}
}

// FileChecker verifies a regular file exists and is readable.
type FileChecker struct {
	name string
	path string
}

func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (c *FileChecker) Name() string { return c.name }

func (c *FileChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: c.path}
	}
	if info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected file", Message: c.path}
	}
	return CheckResult{Status: StatusHealthy, Message: c.path}
}

// LicenseChecker reports the time left on the decoded license.
type LicenseChecker struct {
	expiry func() (time.Time, bool)
}

func NewLicenseChecker(expiry func() (time.Time, bool)) *LicenseChecker {
	return &LicenseChecker{expiry: expiry}
}

func (c *LicenseChecker) Name() string { return "license" }

func (c *LicenseChecker) Check(_ context.Context) CheckResult {
	expiry, ok := c.expiry()
	if !ok {
		return CheckResult{Status: StatusUnhealthy, Error: "license does not decode"}
	}
	left := time.Until(expiry)
	if left <= 0 {
		return CheckResult{Status: StatusUnhealthy, Error: "license expired"}
	}
	if left < 7*24*time.Hour {
		return CheckResult{Status: StatusDegraded, Message: "license expires within a week"}
	}
	return CheckResult{Status: StatusHealthy, Message: "license valid"}
}
