package api

import "net/http"

type subsystemStatus struct {
	System string `json:"system"`
	Status string `json:"status"`
}

type healthStatus struct {
	Status     string            `json:"status"`
	Subsystems []subsystemStatus `json:"subsystems"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// handleHealth reports overall and per-subsystem health. Unauthenticated so
// orchestrators can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := statusHealthy
	subsystems := make([]subsystemStatus, 0, len(s.health))

	for _, checker := range s.health {
		status := statusHealthy
		if !checker.Healthy(r.Context()) {
			status = statusUnhealthy
			overall = statusUnhealthy
		}
		subsystems = append(subsystems, subsystemStatus{System: checker.Name(), Status: status})
	}

	code := http.StatusOK
	if overall == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthStatus{Status: overall, Subsystems: subsystems})
}
