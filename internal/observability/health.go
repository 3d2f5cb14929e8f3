package observability

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// HealthConfig holds configuration for the health endpoint
type HealthConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Stats is the tracker reported by the endpoint
	Stats *Stats

	// WorkerID identifies the reporting worker (empty in single mode)
	WorkerID string

	// Version is reported as-is
	Version string
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Snapshot
	Timestamp string `json:"timestamp"`
	WorkerID  string `json:"worker_id,omitempty"`
	PID       int    `json:"pid"`
	Version   string `json:"version,omitempty"`
}

// HealthHandler returns an HTTP handler for the health surface. An unhealthy
// snapshot (any alarm raised) is answered with 503.
func HealthHandler(config *HealthConfig) http.HandlerFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		response := &HealthResponse{
			Snapshot:  config.Stats.Snapshot(),
			Timestamp: time.Now().Format(time.RFC3339),
			WorkerID:  config.WorkerID,
			PID:       os.Getpid(),
			Version:   config.Version,
		}

		statusCode := http.StatusOK
		if !response.Healthy {
			statusCode = http.StatusServiceUnavailable
			logger.Warn("health check reports alarms",
				"worker_id", config.WorkerID,
				"alarms", response.Alarms,
			)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(statusCode)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}
