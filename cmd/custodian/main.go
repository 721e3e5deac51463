package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/accounts"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/api"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/amazon"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/config"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/crypto"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/monitor"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/upstream"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/version"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("custodian %s (%s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("custodian failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	database, err := db.InitDB(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if sqlDB, err := database.DB(); err == nil {
		defer sqlDB.Close()
	}

	usage := monitor.NewUsageTracker(database, log)
	defer usage.Close()

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		IsFailure:        resilience.CountsAgainstBreaker,
	})
	oauthLimiter := resilience.NewRateLimiter(limiterConfig("oauth", cfg.RateLimiter), usage)
	apiLimiter := resilience.NewRateLimiter(limiterConfig("ads-api", cfg.RateLimiter), usage)

	httpClient := &http.Client{Timeout: cfg.Amazon.Timeout}
	oauthClient := amazon.NewClient(amazon.Options{
		ClientID:     cfg.Amazon.ClientID,
		ClientSecret: cfg.Amazon.ClientSecret,
		RedirectURL:  cfg.Amazon.RedirectURL,
		Scopes:       cfg.Amazon.Scopes,
		AuthURL:      cfg.Amazon.AuthURL,
		TokenURL:     cfg.Amazon.TokenURL,
	}, httpClient, oauthLimiter, breakers.Get(amazon.EndpointToken), log)

	adsClient, err := upstream.NewClient(upstream.Options{
		BaseURL:    cfg.Amazon.APIBaseURL,
		Region:     cfg.Amazon.Region,
		ClientID:   cfg.Amazon.ClientID,
		HTTPClient: httpClient,
	}, apiLimiter, breakers.Get(upstream.EndpointListAccounts), log)
	if err != nil {
		return fmt.Errorf("init ads client: %w", err)
	}

	store := token.NewManager(database, cipher, log)
	syncSvc := accounts.NewService(database, adsClient, accounts.Config{
		MinInterval: cfg.Sync.MinInterval,
		PageSize:    cfg.Sync.PageSize,
		MaxPages:    cfg.Sync.MaxPages,
		PageDelay:   cfg.Sync.PageDelay,
		Concurrency: cfg.Sync.Concurrency,
	}, log)

	sched := token.NewScheduler(store, oauthClient, token.SchedulerConfig{
		CheckInterval:    cfg.Scheduler.CheckInterval,
		CleanupInterval:  cfg.Scheduler.CleanupInterval,
		RefreshThreshold: cfg.Scheduler.RefreshThreshold,
		MaxFailures:      cfg.Scheduler.MaxFailures,
		Concurrency:      cfg.Scheduler.Concurrency,
		HistoryRetention: cfg.Scheduler.HistoryRetention,
		TokenRetention:   cfg.Scheduler.TokenRetention,
		SyncInterval:     cfg.Scheduler.SyncInterval,
	}, log)
	sched.SetAccountSyncer(syncSvc)
	if !cfg.Scheduler.Disabled {
		sched.Start(ctx)
	}
	defer sched.Stop()

	router := api.NewRouter(api.Deps{
		BaseCtx:   ctx,
		DB:        database,
		Log:       log,
		OAuth:     oauthClient,
		States:    amazon.NewStateStore(amazon.DefaultStateTTL),
		Tokens:    store,
		Scheduler: sched,
		Accounts:  syncSvc,
		Breakers:  breakers,
		Limiters:  []*resilience.RateLimiter{oauthLimiter, apiLimiter},
		Usage:     usage,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version.Version).
			Str("region", cfg.Amazon.Region).
			Msg("🚀 Token custodian starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("🛑 Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	return nil
}

func limiterConfig(name string, c config.RateLimiterConfig) resilience.LimiterConfig {
	return resilience.LimiterConfig{
		Name:       name,
		RateLimit:  c.RateLimit,
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		MaxLockout: c.MaxLockout,
	}
}
