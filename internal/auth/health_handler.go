// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"net/http"

	"github.com/MGallo-Code/warden/internal/gate"
)

// CheckHealth handles GET /health -- pings Redis and Postgres, returns per-dependency status.
// Postgres is optional and reports "disabled" when not configured.
// Returns 200 unless a configured dependency is down, then 503.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := probe(r, "redis", h.RS)
	postgresStatus := probe(r, "postgres", h.PS)

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	gate.WriteJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}

func probe(r *http.Request, name string, hc HealthChecker) string {
	if hc == nil {
		return "disabled"
	}
	if err := hc.CheckHealth(r.Context()); err != nil {
		logError(r, name+" health check failed", "error", err)
		return "error"
	}
	return "ok"
}
