package server

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Devices   int                    `json:"activeDevices"`
	Listeners int                    `json:"eventListeners"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + store checks.
func (qs *QueueServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "ok",
		Devices:   qs.devices.Count(),
		Listeners: qs.hub.Len(),
		Details:   make(map[string]interface{}),
	}

	// Check store connectivity
	if err := qs.checkDatabaseHealth(r.Context()); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	}

	health.Details["database_driver"] = qs.config.Database.Driver
	health.Details["notify_driver"] = qs.config.Notify.Driver

	// Set appropriate HTTP status code
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	qs.respondJSON(w, status, health)
}

// checkDatabaseHealth pings the canonical store with a short timeout.
func (qs *QueueServer) checkDatabaseHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return qs.service.Ping(ctx)
}
