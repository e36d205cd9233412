// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"net/http"
)

// CheckHealth pings Postgres and, when configured, Redis. 503 if any dependency is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus := "ok"
	redisStatus := "disabled"

	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}
	if h.RS != nil {
		redisStatus = "ok"
		if err := h.RS.CheckHealth(r.Context()); err != nil {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}

	status := http.StatusOK
	if postgresStatus == "error" || redisStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
