package health

import (
	"encoding/json"
	"net/http"
)

// Endpoint paths served by Register.
const (
	PathHealth    = "/health"
	PathReadiness = "/health/ready"
	PathLiveness  = "/health/live"
)

// Register mounts the health, readiness and liveness handlers on mux.
func (hc *HealthChecker) Register(mux *http.ServeMux) {
	mux.Handle(PathHealth, hc.HTTPHandler())
	mux.Handle(PathReadiness, hc.ReadinessHandler())
	mux.Handle(PathLiveness, hc.LivenessHandler())
}

// HTTPHandler serves all checks. Degraded still answers 200.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check()
		code := http.StatusOK
		if response.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, response)
	}
}

// ReadinessHandler serves readiness checks. Anything short of healthy
// answers 503.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return binaryHandler(hc.CheckReadiness)
}

// LivenessHandler serves liveness checks. Anything short of healthy
// answers 503.
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return binaryHandler(hc.CheckLiveness)
}

func binaryHandler(check func() Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := check()
		code := http.StatusOK
		if response.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, response)
	}
}

func writeResponse(w http.ResponseWriter, code int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
