// Package api assembles the custodian's HTTP routes.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/accounts"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/api/handlers"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/api/middleware"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/amazon"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/monitor"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Deps are the components the routes call into.
type Deps struct {
	// BaseCtx outlives requests; the scheduler started over HTTP runs under it.
	BaseCtx   context.Context
	DB        *gorm.DB
	Log       zerolog.Logger
	OAuth     handlers.OAuthClient
	States    *amazon.StateStore
	Tokens    *token.Manager
	Scheduler *token.Scheduler
	Accounts  *accounts.Service
	Breakers  *resilience.BreakerRegistry
	Limiters  []*resilience.RateLimiter
	Usage     *monitor.UsageTracker
}

// NewRouter builds the route tree.
func NewRouter(d Deps) http.Handler {
	if d.BaseCtx == nil {
		d.BaseCtx = context.Background()
	}
	log := d.Log.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", handlers.HealthHandler(d.DB))
	r.Get("/auth/amazon/login", handlers.LoginHandler(d.OAuth, d.States, log))
	r.Get("/auth/amazon/callback", handlers.CallbackHandler(d.OAuth, d.States, d.Tokens, log))

	// API routes (API key required)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.DB))

		r.Get("/version", handlers.VersionHandler())

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", handlers.ListTokensHandler(d.Tokens, log))
			r.Get("/{subject}", handlers.TokenStatusHandler(d.Tokens, log))
			r.Delete("/{subject}", handlers.RevokeTokenHandler(d.Tokens, log))
			r.Post("/{subject}/refresh", handlers.ManualRefreshHandler(d.Scheduler, log))
			r.Get("/{subject}/history", handlers.RefreshHistoryHandler(d.Tokens, log))
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{subject}", handlers.ListAccountsHandler(d.Accounts, log))
			r.Post("/{subject}/sync", handlers.SyncAccountsHandler(d.Tokens, d.Accounts, log))
			r.Get("/{subject}/history", handlers.SyncHistoryHandler(d.Accounts, log))
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", handlers.SchedulerStatusHandler(d.Scheduler))
			r.Post("/start", handlers.SchedulerStartHandler(d.BaseCtx, d.Scheduler))
			r.Post("/stop", handlers.SchedulerStopHandler(d.Scheduler))
			r.Post("/check", handlers.SchedulerCheckHandler(d.Scheduler))
		})

		r.Route("/resilience", func(r chi.Router) {
			r.Get("/", handlers.ResilienceStatsHandler(d.Breakers, d.Limiters))
			r.Post("/breakers/{name}/reset", handlers.ResetBreakerHandler(d.Breakers))
			r.Post("/limiters/{name}/reset", handlers.ResetLimiterHandler(d.Limiters))
		})

		r.Get("/usage", handlers.UsageHandler(d.Usage, log))

		r.Get("/config/apikey", handlers.GetAPIKeyHandler(d.DB))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(d.DB, log))
	})

	return r
}
