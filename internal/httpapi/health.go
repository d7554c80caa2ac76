package httpapi

import "net/http"

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Evaluate(r.Context())
	status := http.StatusOK
	if snap.Overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}
