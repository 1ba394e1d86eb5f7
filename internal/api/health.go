package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is a dependency that can report its own health
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	checks  map[string]HealthChecker
	version string
}

// NewHealthHandler creates a new health handler over the named dependencies
func NewHealthHandler(version string, checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checks: checks, version: version}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Check runs every dependency check
func (h *HealthHandler) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Checks:    make(map[string]HealthCheck, len(h.checks)),
	}

	for name, checker := range h.checks {
		if checker == nil {
			continue
		}
		start := time.Now()
		err := checker.Health(ctx)
		check := HealthCheck{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			response.Status = "unhealthy"
			check.Status = "unhealthy"
			check.Message = err.Error()
		}
		response.Checks[name] = check
	}

	return response
}

// Handle serves GET /health
func (h *HealthHandler) Handle(c *gin.Context) {
	response := h.Check(c.Request.Context())
	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}
