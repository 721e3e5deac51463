package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/version"
	"gorm.io/gorm"
)

// HealthHandler reports liveness and database reachability.
// GET /healthz
func HealthHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		status := http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "unavailable"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{
			"status":   http.StatusText(status),
			"database": dbStatus,
			"version":  version.Version,
		})
	}
}

// VersionHandler returns version information as JSON.
// GET /api/version
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}
