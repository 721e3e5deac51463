package handlers

import (
	"context"
	"net/http"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
)

// SchedulerStatusHandler reports the scheduler state and its last batch.
// GET /api/scheduler
func SchedulerStatusHandler(sched *token.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sched.Status())
	}
}

// SchedulerStartHandler starts the background loop under base, which must
// outlive the request.
// POST /api/scheduler/start
func SchedulerStartHandler(base context.Context, sched *token.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := sched.Start(base)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"running": sched.Running(),
			"changed": started,
		})
	}
}

// SchedulerStopHandler stops the background loop and waits for in-flight work.
// POST /api/scheduler/stop
func SchedulerStopHandler(sched *token.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stopped := sched.Stop()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"running": sched.Running(),
			"changed": stopped,
		})
	}
}

// SchedulerCheckHandler runs one expiry check now and returns its batch result.
// POST /api/scheduler/check
func SchedulerCheckHandler(sched *token.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sched.CheckExpiringTokens(r.Context()))
	}
}
