package api

// ConnectionModeRequest for POST /api/v1/status/connection-mode
type ConnectionModeRequest struct {
	Mode string `json:"mode"`
}

// ConnectionModeResponse from POST /api/v1/status/connection-mode
type ConnectionModeResponse struct {
	Mode     string `json:"mode"`
	Previous string `json:"previous,omitempty"`
}

// HealthResponse from GET /api/v1/status/health
type HealthResponse struct {
	Status         string `json:"status"`
	ConnectionMode string `json:"connection_mode,omitempty"`
	Version        string `json:"version,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Healthy reports whether the backend considers itself up.
func (h *HealthResponse) Healthy() bool {
	return h.Status == "ok" || h.Status == "healthy"
}
