package handlers

import (
	"net/http"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// GetAPIKeyHandler returns the current API key.
// GET /api/config/apikey
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler replaces the API key. The old key stops working at once.
// POST /api/config/apikey/regenerate
func RegenerateAPIKeyHandler(database *gorm.DB, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := db.RegenerateAPIKey(database, log)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
	}
}
