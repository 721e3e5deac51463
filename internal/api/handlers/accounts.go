package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/accounts"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/rs/zerolog"
)

// SyncAccountsHandler syncs the subject's ads accounts using its stored access token.
// POST /api/accounts/{subject}/sync?force=true
func SyncAccountsHandler(store *token.Manager, svc *accounts.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := chi.URLParam(r, "subject")
		accessToken, expiresAt, err := store.AccessToken(r.Context(), subject)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		if !expiresAt.After(time.Now()) {
			writeError(w, r, log, fmt.Errorf("%w: access token expired, refresh it first", resilience.ErrTokenInvalid))
			return
		}

		res, err := svc.SyncAccounts(r.Context(), subject, accessToken, queryBool(r, "force"))
		if err != nil {
			status, _ := StatusFor(err)
			setRetryAfter(w, err)
			writeJSON(w, status, res)
			return
		}
		status := http.StatusOK
		if res.Status == accounts.StatusInProgress {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	}
}

// ListAccountsHandler returns the subject's stored accounts.
// GET /api/accounts/{subject}
func ListAccountsHandler(svc *accounts.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.ListAccounts(r.Context(), chi.URLParam(r, "subject"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": rows,
			"count":    len(rows),
		})
	}
}

// SyncHistoryHandler returns the subject's sync attempts, newest first.
// GET /api/accounts/{subject}/history?limit=
func SyncHistoryHandler(svc *accounts.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.History(r.Context(), chi.URLParam(r, "subject"), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"history": rows,
			"count":   len(rows),
		})
	}
}
