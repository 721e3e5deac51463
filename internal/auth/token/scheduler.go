package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/amazon"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrRefreshInProgress means another refresh of the same token is running.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// errRefreshedMeanwhile marks a scheduled refresh made redundant by a
// concurrent one.
var errRefreshedMeanwhile = errors.New("token refreshed meanwhile")

// Refresher obtains a new token set from a refresh token.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*amazon.TokenSet, error)
}

// AccountSyncer runs a scheduled account sync for one subject.
type AccountSyncer interface {
	SyncScheduled(ctx context.Context, subjectID, accessToken string) error
}

// SchedulerConfig tunes the background jobs.
type SchedulerConfig struct {
	CheckInterval    time.Duration
	CleanupInterval  time.Duration
	RefreshThreshold time.Duration
	MaxFailures      int
	Concurrency      int
	HistoryRetention time.Duration
	TokenRetention   time.Duration
	// SyncInterval enables the scheduled account sync when positive and a
	// syncer is attached.
	SyncInterval time.Duration
}

// DefaultSchedulerConfig returns the production cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckInterval:    5 * time.Minute,
		CleanupInterval:  time.Hour,
		RefreshThreshold: 10 * time.Minute,
		MaxFailures:      3,
		Concurrency:      4,
		HistoryRetention: 30 * 24 * time.Hour,
		TokenRetention:   90 * 24 * time.Hour,
	}
}

// BatchResult summarizes one expiry check.
type BatchResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Refreshed int           `json:"refreshed"`
	Failed    int           `json:"failed"`
	Disabled  int           `json:"disabled"`
	Cancelled int           `json:"cancelled"`
	// Deferred counts tokens left for the next check without a strike: an
	// open upstream guard or a refresh already running elsewhere.
	Deferred int `json:"deferred"`
}

// RefreshResult is the outcome of a manual refresh.
type RefreshResult struct {
	Success      bool      `json:"success"`
	SubjectID    string    `json:"subject_id"`
	TokenID      string    `json:"token_id"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	RefreshCount int       `json:"refresh_count"`
	Failures     int       `json:"consecutive_failures"`
	Disabled     bool      `json:"proactive_refresh_disabled,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// SchedulerStatus is exposed on the status endpoint.
type SchedulerStatus struct {
	Running     bool         `json:"running"`
	LastCheck   *time.Time   `json:"last_check,omitempty"`
	LastBatch   *BatchResult `json:"last_batch,omitempty"`
	LastCleanup *time.Time   `json:"last_cleanup,omitempty"`
	SyncEnabled bool         `json:"sync_enabled"`
}

// Scheduler refreshes tokens before they expire, independent of user traffic.
type Scheduler struct {
	store     *Manager
	refresher Refresher
	syncer    AccountSyncer
	cfg       SchedulerConfig
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	flightMu sync.Mutex
	inFlight map[string]struct{}

	statusMu    sync.Mutex
	lastCheck   time.Time
	lastBatch   *BatchResult
	lastCleanup time.Time
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(store *Manager, refresher Refresher, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if cfg.TokenRetention <= 0 {
		cfg.TokenRetention = def.TokenRetention
	}
	return &Scheduler{
		store:     store,
		refresher: refresher,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
		inFlight:  make(map[string]struct{}),
	}
}

// SetAccountSyncer attaches the scheduled account sync job. Call before Start.
func (s *Scheduler) SetAccountSyncer(syncer AccountSyncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncer = syncer
}

// Start launches the background loop and runs one expiry check right away.
// It reports false if the scheduler was already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done, s.syncer)

	s.log.Info().
		Dur("check_interval", s.cfg.CheckInterval).
		Dur("cleanup_interval", s.cfg.CleanupInterval).
		Dur("refresh_threshold", s.cfg.RefreshThreshold).
		Msg("🔄 Token refresh scheduler started")
	return true
}

// Stop cancels in-flight refreshes and waits for the loop to exit.
// It reports false if the scheduler was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("🛑 Token refresh scheduler stopped")
	return true
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, syncer AccountSyncer) {
	defer close(done)

	s.CheckExpiringTokens(ctx)

	check := time.NewTicker(s.cfg.CheckInterval)
	defer check.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	var syncC <-chan time.Time
	if syncer != nil && s.cfg.SyncInterval > 0 {
		t := time.NewTicker(s.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			s.CheckExpiringTokens(ctx)
		case <-cleanup.C:
			s.CleanupHistory(ctx)
		case <-syncC:
			s.SyncAccounts(ctx, syncer)
		}
	}
}

// CheckExpiringTokens refreshes every token inside the refresh threshold
// concurrently and waits for the whole batch. One failure never stops the rest.
func (s *Scheduler) CheckExpiringTokens(ctx context.Context) (result BatchResult) {
	begin := time.Now()
	result = BatchResult{StartedAt: s.store.now()}
	defer func() {
		result.Duration = time.Since(begin)
		s.statusMu.Lock()
		s.lastCheck = result.StartedAt
		r := result
		s.lastBatch = &r
		s.statusMu.Unlock()
	}()

	toks, err := s.store.DueForRefresh(ctx, s.cfg.RefreshThreshold, s.cfg.MaxFailures)
	if err != nil {
		s.log.Error().Err(err).Msg("❌ Failed to query expiring tokens")
		return result
	}
	result.Checked = len(toks)
	if len(toks) == 0 {
		s.log.Debug().Msg("no tokens due for refresh")
		return result
	}

	var refreshed, failed, disabled, cancelled, deferred atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i := range toks {
		tok := toks[i]
		g.Go(func() error {
			res, err := s.refreshOne(ctx, &tok, models.RefreshKindScheduled)
			switch {
			case err == nil:
				refreshed.Add(1)
			case ctx.Err() != nil:
				cancelled.Add(1)
			case isDeferral(err):
				deferred.Add(1)
			default:
				failed.Add(1)
				if res != nil && res.Disabled {
					disabled.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Refreshed = int(refreshed.Load())
	result.Failed = int(failed.Load())
	result.Disabled = int(disabled.Load())
	result.Cancelled = int(cancelled.Load())
	result.Deferred = int(deferred.Load())
	s.log.Info().
		Int("checked", result.Checked).
		Int("refreshed", result.Refreshed).
		Int("failed", result.Failed).
		Int("disabled", result.Disabled).
		Int("deferred", result.Deferred).
		Msg("🔄 Token refresh batch complete")
	return result
}

// ManualRefresh refreshes the subject's token now, regardless of its failure
// streak or proactive refresh flag.
func (s *Scheduler) ManualRefresh(ctx context.Context, subjectID string) (*RefreshResult, error) {
	tok, err := s.store.ActiveToken(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.refreshOne(ctx, tok, models.RefreshKindManual)
}

// isDeferral reports refresh errors that say nothing about the token itself.
func isDeferral(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, ErrRefreshInProgress) ||
		errors.Is(err, ErrTokenReplaced) ||
		errors.Is(err, errRefreshedMeanwhile)
}

func (s *Scheduler) acquire(tokenID string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, busy := s.inFlight[tokenID]; busy {
		return false
	}
	s.inFlight[tokenID] = struct{}{}
	return true
}

func (s *Scheduler) release(tokenID string) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	delete(s.inFlight, tokenID)
}

// refreshOne runs the single-token refresh path shared by scheduled and
// manual refreshes. At most one refresh per token runs at a time. Cancelled
// attempts and attempts refused by an open guard leave the token untouched.
func (s *Scheduler) refreshOne(ctx context.Context, tok *models.Token, kind string) (*RefreshResult, error) {
	log := s.log.With().Str("subject", tok.SubjectID).Str("token_id", tok.ID).Str("kind", kind).Logger()
	res := &RefreshResult{SubjectID: tok.SubjectID, TokenID: tok.ID}

	if !s.acquire(tok.ID) {
		log.Debug().Msg("refresh already in flight")
		res.Error = ErrRefreshInProgress.Error()
		return res, ErrRefreshInProgress
	}
	defer s.release(tok.ID)

	// tok may predate a refresh that rotated the stored refresh token.
	tok, err := s.store.Token(ctx, tok.ID)
	if err != nil {
		res.Error = util.ErrorMessage(err)
		return res, err
	}
	if kind == models.RefreshKindScheduled && tok.ExpiresAt.After(s.store.now().Add(s.cfg.RefreshThreshold)) {
		log.Debug().Time("expires_at", tok.ExpiresAt).Msg("token refreshed meanwhile")
		res.ExpiresAt = tok.ExpiresAt
		res.RefreshCount = tok.RefreshCount
		return res, errRefreshedMeanwhile
	}

	_, refreshToken, err := s.store.Decrypt(tok)
	if err == nil {
		var ts *amazon.TokenSet
		ts, err = s.refresher.RefreshToken(ctx, refreshToken)
		if err == nil {
			// Persist even if shutdown starts now: the old refresh token may already be rotated out.
			updated, applyErr := s.store.ApplyRefresh(context.WithoutCancel(ctx), tok, ts, kind)
			if applyErr != nil {
				log.Error().Err(applyErr).Msg("❌ Failed to store refreshed token")
				res.Error = util.ErrorMessage(applyErr)
				return res, fmt.Errorf("store refreshed token: %w", applyErr)
			}
			res.Success = true
			res.ExpiresAt = updated.ExpiresAt
			res.RefreshCount = updated.RefreshCount
			log.Info().Time("expires_at", updated.ExpiresAt).Msg("✅ Refreshed token")
			return res, nil
		}
	}

	if ctx.Err() != nil {
		log.Debug().Err(err).Msg("refresh cancelled")
		res.Error = util.ErrorMessage(ctx.Err())
		return res, ctx.Err()
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		log.Info().Err(err).Msg("⏸️ Refresh deferred, token endpoint guarded")
		res.Error = util.ErrorMessage(err)
		return res, err
	}

	failures, disabled, recErr := s.store.RecordRefreshFailure(ctx, tok, kind, err, s.cfg.MaxFailures)
	if recErr != nil {
		log.Error().Err(recErr).Msg("failed to record refresh failure")
	}
	res.Failures = failures
	res.Disabled = disabled
	res.Error = util.ErrorMessage(err)
	if disabled {
		log.Warn().Err(err).Int("failures", failures).Msg("🔒 Proactive refresh disabled, re-authorization required")
	} else {
		log.Warn().Err(err).Int("failures", failures).Msg("❌ Token refresh failed")
	}
	return res, err
}

// CleanupHistory prunes old history and inactive tokens. Failures are logged.
func (s *Scheduler) CleanupHistory(ctx context.Context) {
	res, err := s.store.Cleanup(ctx, s.cfg.HistoryRetention, s.cfg.TokenRetention)
	if err != nil {
		s.log.Error().Err(err).Msg("❌ History cleanup failed")
		return
	}
	s.statusMu.Lock()
	s.lastCleanup = s.store.now()
	s.statusMu.Unlock()
	s.log.Info().
		Int64("refresh_history", res.RefreshHistory).
		Int64("sync_history", res.SyncHistory).
		Int64("inactive_tokens", res.InactiveTokens).
		Msg("🧹 History cleanup complete")
}

// SyncAccounts runs a scheduled sync for every subject holding a live token.
func (s *Scheduler) SyncAccounts(ctx context.Context, syncer AccountSyncer) {
	toks, err := s.store.ActiveTokens(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("❌ Failed to list tokens for scheduled sync")
		return
	}
	now := s.store.now()
	for i := range toks {
		if ctx.Err() != nil {
			return
		}
		tok := &toks[i]
		if !tok.ExpiresAt.After(now) {
			continue
		}
		access, _, err := s.store.Decrypt(tok)
		if err != nil {
			s.log.Warn().Err(err).Str("subject", tok.SubjectID).Msg("skipping scheduled sync")
			continue
		}
		if err := syncer.SyncScheduled(ctx, tok.SubjectID, access); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Str("subject", tok.SubjectID).Msg("❌ Scheduled account sync failed")
		}
	}
}

// Status reports whether the loop runs and the outcome of the last check.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	st := SchedulerStatus{
		Running:     s.running,
		SyncEnabled: s.syncer != nil && s.cfg.SyncInterval > 0,
	}
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if !s.lastCheck.IsZero() {
		t := s.lastCheck
		st.LastCheck = &t
	}
	if s.lastBatch != nil {
		b := *s.lastBatch
		st.LastBatch = &b
	}
	if !s.lastCleanup.IsZero() {
		t := s.lastCleanup
		st.LastCleanup = &t
	}
	return st
}
