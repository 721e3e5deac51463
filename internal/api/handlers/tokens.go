package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/rs/zerolog"
)

// TokenStatus is the secret-free view of a stored token.
type TokenStatus struct {
	SubjectID               string     `json:"subject_id"`
	TokenID                 string     `json:"token_id"`
	ExpiresAt               time.Time  `json:"expires_at"`
	ExpiresInSeconds        int64      `json:"expires_in_seconds"`
	Expired                 bool       `json:"expired"`
	Scope                   string     `json:"scope,omitempty"`
	RefreshCount            int        `json:"refresh_count"`
	ConsecutiveFailures     int        `json:"consecutive_failures"`
	ProactiveRefreshEnabled bool       `json:"proactive_refresh_enabled"`
	LastRefreshedAt         *time.Time `json:"last_refreshed_at,omitempty"`
	LastRefreshError        string     `json:"last_refresh_error,omitempty"`
	ConnectedAt             time.Time  `json:"connected_at"`
}

func tokenStatus(tok *models.Token, now time.Time) TokenStatus {
	remaining := tok.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return TokenStatus{
		SubjectID:               tok.SubjectID,
		TokenID:                 tok.ID,
		ExpiresAt:               tok.ExpiresAt,
		ExpiresInSeconds:        int64(remaining / time.Second),
		Expired:                 !tok.ExpiresAt.After(now),
		Scope:                   tok.Scope,
		RefreshCount:            tok.RefreshCount,
		ConsecutiveFailures:     tok.ConsecutiveFailureCount,
		ProactiveRefreshEnabled: tok.ProactiveRefreshEnabled,
		LastRefreshedAt:         tok.LastRefreshedAt,
		LastRefreshError:        tok.LastRefreshError,
		ConnectedAt:             tok.CreatedAt,
	}
}

// ListTokensHandler lists the status of every active token.
// GET /api/tokens
func ListTokensHandler(store *token.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toks, err := store.ActiveTokens(r.Context())
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		now := time.Now()
		out := make([]TokenStatus, 0, len(toks))
		for i := range toks {
			out = append(out, tokenStatus(&toks[i], now))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tokens": out,
			"count":  len(out),
		})
	}
}

// TokenStatusHandler returns the subject's active token status.
// GET /api/tokens/{subject}
func TokenStatusHandler(store *token.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := store.ActiveToken(r.Context(), chi.URLParam(r, "subject"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, tokenStatus(tok, time.Now()))
	}
}

// ManualRefreshHandler refreshes the subject's token now. A successful manual
// refresh re-enables proactive refresh.
// POST /api/tokens/{subject}/refresh
func ManualRefreshHandler(sched *token.Scheduler, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := chi.URLParam(r, "subject")
		res, err := sched.ManualRefresh(r.Context(), subject)
		if err != nil {
			status, typ := StatusFor(err)
			setRetryAfter(w, err)
			if res == nil {
				writeError(w, r, log, err)
				return
			}
			l := logging.Ctx(r.Context(), log)
			l.Warn().Err(err).Str("subject", subject).Msg("manual refresh failed")
			writeJSON(w, status, map[string]interface{}{
				"result": res,
				"error":  errorDetail{Message: err.Error(), Type: typ},
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// RevokeTokenHandler deactivates the subject's tokens.
// DELETE /api/tokens/{subject}
func RevokeTokenHandler(store *token.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := chi.URLParam(r, "subject")
		if err := store.Revoke(r.Context(), subject); err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "subject_id": subject})
	}
}

// RefreshHistoryHandler returns the subject's refresh attempts, newest first.
// GET /api/tokens/{subject}/history?limit=
func RefreshHistoryHandler(store *token.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := store.RefreshHistory(r.Context(), chi.URLParam(r, "subject"), queryInt(r, "limit", 50))
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
