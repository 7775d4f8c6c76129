// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/portcullis/internal/store"
)

// HealthChecker is anything CheckHealth can ping.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthStore is the database as seen by the health check.
// Satisfied by *store.PostgresStore.
type HealthStore interface {
	HealthChecker
	// RefreshReadOnly re-reads recovery state and updates the read-only gate.
	RefreshReadOnly(ctx context.Context) (bool, error)
}

// CheckHealth handles GET /health: pings Postgres and Redis, returns per-dependency status.
// Also refreshes degraded mode from the database. A read-only database is
// healthy: authentication still works.
// Returns 200 if both are healthy, 503 if either is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	postgresStatus := "ok"

	if h.RS == nil {
		redisStatus = "disabled"
	} else if err := h.RS.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			redisStatus = "disabled"
		} else {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	} else if readOnly, err := h.PS.RefreshReadOnly(r.Context()); err != nil {
		logWarn(r, "read-only refresh failed", "error", err)
	} else if readOnly {
		postgresStatus = "read_only"
	}

	w.Header().Set("Content-Type", "application/json")
	if redisStatus == "error" || postgresStatus == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
