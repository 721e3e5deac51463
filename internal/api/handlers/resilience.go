package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
)

// ResilienceStatsHandler reports every breaker and limiter.
// GET /api/resilience
func ResilienceStatsHandler(breakers *resilience.BreakerRegistry, limiters []*resilience.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ls := make([]resilience.LimiterStats, 0, len(limiters))
		for _, l := range limiters {
			ls = append(ls, l.Stats())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"breakers": breakers.Stats(),
			"limiters": ls,
		})
	}
}

// ResetBreakerHandler forces the named breaker closed.
// POST /api/resilience/breakers/{name}/reset
func ResetBreakerHandler(breakers *resilience.BreakerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !breakers.Reset(name) {
			writeMessage(w, http.StatusNotFound, "not_found", "unknown breaker "+name)
			return
		}
		writeJSON(w, http.StatusOK, breakers.Get(name).Stats())
	}
}

// ResetLimiterHandler closes the named limiter's internal circuit.
// POST /api/resilience/limiters/{name}/reset
func ResetLimiterHandler(limiters []*resilience.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, l := range limiters {
			if l.Name() == name {
				l.Reset()
				writeJSON(w, http.StatusOK, l.Stats())
				return
			}
		}
		writeMessage(w, http.StatusNotFound, "not_found", "unknown limiter "+name)
	}
}
