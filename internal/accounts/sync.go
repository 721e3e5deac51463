// Package accounts mirrors the remote ads-account catalog into local storage.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/upstream"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is the outcome of a sync call.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusInProgress Status = "in_progress"
)

// Metadata keys written by sync. Other keys belong to other writers.
const (
	metaAlternateIDs = "alternate_identities"
	metaCountryCodes = "country_codes"
	metaRemoteErrors = "remote_errors"
)

// Lister fetches one page of remote accounts.
type Lister interface {
	ListAccounts(ctx context.Context, accessToken string, req upstream.ListAccountsRequest) (*upstream.ListAccountsPage, error)
}

// Config tunes a Service.
type Config struct {
	// MinInterval skips a sync when the last successful one is more recent.
	MinInterval time.Duration
	PageSize    int
	MaxPages    int
	// PageDelay is the minimum spacing between page requests.
	PageDelay   time.Duration
	Concurrency int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MinInterval: time.Hour,
		PageSize:    100,
		MaxPages:    10,
		PageDelay:   500 * time.Millisecond,
		Concurrency: 4,
	}
}

// RecordError describes one record that could not be reconciled.
type RecordError struct {
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error"`
}

// SyncResult reports one SyncAccounts call.
type SyncResult struct {
	Status    Status        `json:"status"`
	Total     int           `json:"total"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Errors    []RecordError `json:"errors,omitempty"`
	Pages     int           `json:"pages"`
	// Truncated means a later page failed and only earlier pages were reconciled.
	Truncated    bool       `json:"truncated,omitempty"`
	Error        string     `json:"error,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	CompletedAt  time.Time  `json:"completed_at,omitempty"`
	HistoryID    uint       `json:"history_id,omitempty"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// Service syncs accounts for one subject at a time per subject.
type Service struct {
	db     *gorm.DB
	lister Lister
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService creates a sync service.
func NewService(db *gorm.DB, lister Lister, cfg Config, log zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Service{
		db:       db,
		lister:   lister,
		cfg:      cfg,
		log:      log.With().Str("component", "account-sync").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]struct{}),
	}
}

// SyncAccounts runs a manual sync. A concurrent call for the same subject
// returns an in_progress result at once. The returned error is set only when
// nothing could be fetched.
func (s *Service) SyncAccounts(ctx context.Context, subjectID, accessToken string, force bool) (*SyncResult, error) {
	return s.sync(ctx, subjectID, accessToken, force, models.SyncKindManual)
}

// SyncScheduled runs a sync on behalf of the scheduler, honoring the frequency guard.
func (s *Service) SyncScheduled(ctx context.Context, subjectID, accessToken string) error {
	res, err := s.sync(ctx, subjectID, accessToken, false, models.SyncKindScheduled)
	if err != nil {
		return err
	}
	s.log.Debug().Str("subject", subjectID).Str("status", string(res.Status)).Msg("scheduled sync finished")
	return nil
}

func (s *Service) acquire(subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[subjectID]; busy {
		return false
	}
	s.inFlight[subjectID] = struct{}{}
	return true
}

func (s *Service) release(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, subjectID)
}

func (s *Service) sync(ctx context.Context, subjectID, accessToken string, force bool, kind string) (*SyncResult, error) {
	if !s.acquire(subjectID) {
		return &SyncResult{Status: StatusInProgress}, nil
	}
	defer s.release(subjectID)

	// Past this point the sync finishes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := s.log.With().Str("subject", subjectID).Str("kind", kind).Logger()

	if !force {
		last, err := s.lastSuccessfulSync(ctx, subjectID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read sync history, syncing anyway")
		} else if last != nil && s.now().Sub(*last) < s.cfg.MinInterval {
			return &SyncResult{Status: StatusSkipped, LastSyncedAt: last}, nil
		}
	}

	res := &SyncResult{StartedAt: s.now()}
	remote, pages, fetchErr := s.fetchAll(ctx, accessToken)
	res.Pages = pages

	if fetchErr != nil && pages == 0 {
		res.Status = StatusFailed
		res.Error = util.ErrorMessage(fetchErr)
		res.CompletedAt = s.now()
		s.appendHistory(ctx, subjectID, kind, res, log)
		log.Error().Err(fetchErr).Msg("❌ Account sync failed")
		return res, fmt.Errorf("list ads accounts: %w", fetchErr)
	}
	if fetchErr != nil {
		res.Truncated = true
		res.Error = util.ErrorMessage(fetchErr)
		log.Warn().Err(fetchErr).Int("pages", pages).Msg("⚠️ Page fetch failed, keeping records gathered so far")
	}

	syncedAt := s.now()
	s.reconcile(ctx, subjectID, remote, syncedAt, res)

	res.CompletedAt = s.now()
	res.Status = StatusSuccess
	if res.Failed > 0 || res.Truncated {
		res.Status = StatusPartial
	}
	last := res.CompletedAt
	res.LastSyncedAt = &last
	s.appendHistory(ctx, subjectID, kind, res, log)

	log.Info().
		Str("status", string(res.Status)).
		Int("total", res.Total).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("failed", res.Failed).
		Msg("🔄 Account sync complete")
	return res, nil
}

// fetchAll walks the listing pages in order, paced by PageDelay, up to MaxPages.
// On error it returns what was gathered before the failing page.
func (s *Service) fetchAll(ctx context.Context, accessToken string) ([]upstream.RemoteAccount, int, error) {
	pacer := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.PageDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(s.cfg.PageDelay), 1)
	}

	var (
		all       []upstream.RemoteAccount
		nextToken string
		pages     int
	)
	for pages < s.cfg.MaxPages {
		if err := pacer.Wait(ctx); err != nil {
			return all, pages, err
		}
		page, err := s.lister.ListAccounts(ctx, accessToken, upstream.ListAccountsRequest{
			MaxResults: s.cfg.PageSize,
			NextToken:  nextToken,
		})
		if err != nil {
			return all, pages, err
		}
		pages++
		all = append(all, page.Accounts...)
		nextToken = page.NextToken
		if nextToken == "" {
			return all, pages, nil
		}
	}
	s.log.Warn().Int("max_pages", s.cfg.MaxPages).Msg("page cap reached, remaining pages left for the next sync")
	return all, pages, nil
}

// reconcile applies remote records concurrently. Records sharing an external
// id are collapsed, the last one winning.
func (s *Service) reconcile(ctx context.Context, subjectID string, remote []upstream.RemoteAccount, syncedAt time.Time, res *SyncResult) {
	var (
		order  []string
		byID   = make(map[string]upstream.RemoteAccount, len(remote))
		errsMu sync.Mutex
	)
	fail := func(externalID string, err error) {
		errsMu.Lock()
		defer errsMu.Unlock()
		res.Failed++
		res.Errors = append(res.Errors, RecordError{ExternalID: externalID, Error: util.ErrorMessage(err)})
	}

	for _, acct := range remote {
		if acct.ExternalID == "" {
			res.Total++
			fail("", fmt.Errorf("%w: account without adsAccountId", resilience.ErrValidation))
			continue
		}
		if _, seen := byID[acct.ExternalID]; !seen {
			order = append(order, acct.ExternalID)
			res.Total++
		}
		byID[acct.ExternalID] = acct
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range order {
		acct := byID[id]
		g.Go(func() error {
			out, err := s.reconcileOne(ctx, subjectID, acct, syncedAt)
			if err != nil {
				fail(acct.ExternalID, err)
				return nil
			}
			errsMu.Lock()
			switch out {
			case outcomeCreated:
				res.Created++
			case outcomeUpdated:
				res.Updated++
			default:
				res.Unchanged++
			}
			errsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// MapStatus maps a remote account status onto the local vocabulary.
func MapStatus(remote string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "created":
		return models.AccountStatusActive, nil
	case "partially_created":
		return models.AccountStatusPartial, nil
	case "pending":
		return models.AccountStatusPending, nil
	case "disabled":
		return models.AccountStatusDisabled, nil
	default:
		return "", fmt.Errorf("%w: unknown account status %q", resilience.ErrValidation, remote)
	}
}

func (s *Service) reconcileOne(ctx context.Context, subjectID string, acct upstream.RemoteAccount, syncedAt time.Time) (outcome, error) {
	status, err := MapStatus(acct.Status)
	if err != nil {
		return 0, err
	}
	owned, err := ownedMetadata(acct)
	if err != nil {
		return 0, err
	}

	db := s.db.WithContext(ctx)
	var existing models.AdsAccount
	err = db.Where("subject_id = ? AND external_id = ?", subjectID, acct.ExternalID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec := models.AdsAccount{
			ID:           uuid.NewString(),
			SubjectID:    subjectID,
			ExternalID:   acct.ExternalID,
			DisplayName:  acct.DisplayName,
			Status:       status,
			Metadata:     mergeMetadata(nil, owned),
			ConnectedAt:  syncedAt,
			LastSyncedAt: syncedAt,
		}
		if err := db.Create(&rec).Error; err != nil {
			return 0, fmt.Errorf("insert account: %w", err)
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load account: %w", err)
	}

	merged := mergeMetadata(existing.Metadata, owned)
	changed := existing.DisplayName != acct.DisplayName ||
		existing.Status != status ||
		!sameJSON(map[string]interface{}(existing.Metadata), map[string]interface{}(merged))

	updates := map[string]interface{}{"last_synced_at": syncedAt}
	if changed {
		updates["display_name"] = acct.DisplayName
		updates["status"] = status
		updates["metadata"] = merged
	}
	if err := db.Model(&models.AdsAccount{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("update account: %w", err)
	}
	if changed {
		return outcomeUpdated, nil
	}
	return outcomeUnchanged, nil
}

// ownedMetadata builds the sync-owned keys in the form JSONMap.Scan produces
// (numbers as json.Number) so they compare equal to values read back from
// storage and large profile ids keep every digit.
func ownedMetadata(acct upstream.RemoteAccount) (map[string]interface{}, error) {
	alt := acct.AlternateIdentities
	if alt == nil {
		alt = []upstream.AlternateID{}
	}
	codes := acct.CountryCodes
	if codes == nil {
		codes = []string{}
	}
	raw := map[string]interface{}{
		metaAlternateIDs: alt,
		metaCountryCodes: codes,
	}
	if len(acct.ErrorsByCountry) > 0 {
		raw[metaRemoteErrors] = acct.ErrorsByCountry
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", resilience.ErrValidation, err)
	}
	var out map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", resilience.ErrValidation, err)
	}
	return out, nil
}

// mergeMetadata overlays the owned keys on existing, keeping foreign keys.
// remote_errors is dropped when the remote reports none.
func mergeMetadata(existing datatypes.JSONMap, owned map[string]interface{}) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(existing)+len(owned))
	for k, v := range existing {
		merged[k] = v
	}
	if _, ok := owned[metaRemoteErrors]; !ok {
		delete(merged, metaRemoteErrors)
	}
	for k, v := range owned {
		merged[k] = v
	}
	return merged
}

// sameJSON compares the canonical encodings; json.Number marshals verbatim.
func sameJSON(a, b map[string]interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func (s *Service) lastSuccessfulSync(ctx context.Context, subjectID string) (*time.Time, error) {
	var h models.SyncHistory
	err := s.db.WithContext(ctx).
		Where("subject_ref = ? AND status = ?", subjectID, models.SyncStatusSuccess).
		Order("completed_at DESC").
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := h.CompletedAt
	return &t, nil
}

func (s *Service) appendHistory(ctx context.Context, subjectID, kind string, res *SyncResult, log zerolog.Logger) {
	details := map[string]interface{}{}
	if res.Error != "" {
		details["error"] = res.Error
	}
	if len(res.Errors) > 0 {
		details["records"] = res.Errors
	}
	if res.Truncated {
		details["truncated"] = true
	}
	var raw datatypes.JSON
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err == nil {
			raw = datatypes.JSON(b)
		}
	}

	entry := models.SyncHistory{
		SubjectRef:     subjectID,
		Kind:           kind,
		Status:         string(res.Status),
		AccountsSynced: res.Created + res.Updated + res.Unchanged,
		AccountsFailed: res.Failed,
		ErrorDetails:   raw,
		StartedAt:      res.StartedAt,
		CompletedAt:    res.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Error().Err(err).Msg("failed to append sync history")
		return
	}
	res.HistoryID = entry.ID
}

// ListAccounts returns the subject's stored accounts.
func (s *Service) ListAccounts(ctx context.Context, subjectID string) ([]models.AdsAccount, error) {
	var rows []models.AdsAccount
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("display_name ASC, external_id ASC").
		Find(&rows).Error
	return rows, err
}

// History returns the subject's most recent sync attempts.
func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]models.SyncHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	var rows []models.SyncHistory
	err := s.db.WithContext(ctx).
		Where("subject_ref = ?", subjectID).
		Order("completed_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
