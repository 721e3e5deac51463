package handlers

import (
	"net/http"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/monitor"
	"github.com/rs/zerolog"
)

// UsageHandler returns persisted hourly usage for the last N hours and the
// live counters of the current hour.
// GET /api/usage?hours=24
func UsageHandler(tracker *monitor.UsageTracker, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := queryInt(r, "hours", 24)
		if hours > 24*90 {
			hours = 24 * 90
		}
		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
		rows, err := tracker.Usage(r.Context(), since)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"since":   since,
			"history": rows,
			"live":    tracker.Live(),
		})
	}
}
