package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/amazon"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/rs/zerolog"
)

// OAuthClient is the part of the Login with Amazon client used by the login flow.
type OAuthClient interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*amazon.TokenSet, error)
}

// LoginHandler starts the consent flow for the subject named in the query.
// GET /auth/amazon/login?subject=
func LoginHandler(client OAuthClient, states *amazon.StateStore, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := r.URL.Query().Get("subject")
		if subject == "" {
			writeMessage(w, http.StatusBadRequest, "validation_error", "subject is required")
			return
		}
		state, err := states.Issue(subject)
		if err != nil {
			writeError(w, r, log, fmt.Errorf("issue state: %w", err))
			return
		}
		http.Redirect(w, r, client.AuthCodeURL(state), http.StatusTemporaryRedirect)
	}
}

type connectResponse struct {
	Status    string    `json:"status"`
	SubjectID string    `json:"subject_id"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope,omitempty"`
}

// CallbackHandler completes the consent flow: it checks the state, exchanges
// the code and stores the resulting tokens for the subject bound to the state.
// GET /auth/amazon/callback
func CallbackHandler(client OAuthClient, states *amazon.StateStore, store *token.Manager, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			msg := e
			if desc := q.Get("error_description"); desc != "" {
				msg += ": " + desc
			}
			writeMessage(w, http.StatusBadRequest, "authorization_denied", msg)
			return
		}

		subject, ok := states.Consume(q.Get("state"))
		if !ok {
			writeMessage(w, http.StatusBadRequest, "invalid_state", "Invalid or expired state token")
			return
		}

		ts, err := client.ExchangeCode(r.Context(), q.Get("code"))
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		tok, err := store.SaveTokenSet(r.Context(), subject, ts)
		if err != nil {
			writeError(w, r, log, err)
			return
		}

		l := logging.Ctx(r.Context(), log)
		l.Info().Str("subject", subject).Msg("✅ Account connected")
		writeJSON(w, http.StatusOK, connectResponse{
			Status:    "connected",
			SubjectID: subject,
			TokenID:   tok.ID,
			ExpiresAt: tok.ExpiresAt,
			Scope:     tok.Scope,
		})
	}
}

var _ OAuthClient = (*amazon.Client)(nil)
