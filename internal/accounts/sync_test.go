package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.InitDB("file:"+uuid.NewString()+"?mode=memory&cache=shared", logging.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// fakeLister serves pages keyed by the request's next token.
type fakeLister struct {
	mu      sync.Mutex
	pages   map[string]*upstream.ListAccountsPage
	errs    map[string]error
	tokens  []string
	started chan struct{}
	block   chan struct{}
}

func newFakeLister() *fakeLister {
	return &fakeLister{
		pages: map[string]*upstream.ListAccountsPage{},
		errs:  map[string]error{},
	}
}

func (f *fakeLister) ListAccounts(ctx context.Context, accessToken string, req upstream.ListAccountsRequest) (*upstream.ListAccountsPage, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, req.NextToken)
	started, block := f.started, f.block
	f.started = nil
	page, err := f.pages[req.NextToken], f.errs[req.NextToken]
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &upstream.ListAccountsPage{}, nil
	}
	return page, nil
}

func (f *fakeLister) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func remote(id, name, status string) upstream.RemoteAccount {
	return upstream.RemoteAccount{
		ExternalID:   id,
		DisplayName:  name,
		Status:       status,
		CountryCodes: []string{"US"},
		AlternateIdentities: []upstream.AlternateID{
			{CountryCode: "US", EntityID: "ENTITY" + id, ProfileID: 1001},
		},
	}
}

func threePages(l *fakeLister) {
	l.pages[""] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("A", "Alpha", "CREATED")}, NextToken: "p2"}
	l.pages["p2"] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("B", "Beta", "PENDING")}, NextToken: "p3"}
	l.pages["p3"] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("C", "Gamma", "DISABLED")}}
}

func newTestService(t *testing.T, l Lister) (*Service, *gorm.DB) {
	t.Helper()
	gdb := newTestDB(t)
	cfg := DefaultConfig()
	cfg.PageDelay = 0
	return NewService(gdb, l, cfg, logging.NewSilentLogger()), gdb
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "CREATED", want: models.AccountStatusActive},
		{in: "created", want: models.AccountStatusActive},
		{in: "PARTIALLY_CREATED", want: models.AccountStatusPartial},
		{in: "Pending", want: models.AccountStatusPending},
		{in: "DISABLED", want: models.AccountStatusDisabled},
		{in: "ARCHIVED", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := MapStatus(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, resilience.ErrValidation, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSync_WalksPagesInOrder(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	s, _ := newTestService(t, l)

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", false)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, []string{"", "p2", "p3"}, l.calls())
	assert.NotZero(t, res.HistoryID)
	require.NotNil(t, res.LastSyncedAt)

	accts, err := s.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, accts, 3)
	assert.Equal(t, "Alpha", accts[0].DisplayName)
	assert.Equal(t, models.AccountStatusActive, accts[0].Status)
	assert.Equal(t, models.AccountStatusPending, accts[1].Status)
	assert.Equal(t, models.AccountStatusDisabled, accts[2].Status)
	assert.Equal(t, []interface{}{"US"}, accts[0].Metadata[metaCountryCodes])
}

func TestSync_SecondRunIsIdempotent(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	s, gdb := newTestService(t, l)
	ctx := context.Background()

	_, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	var before []models.AdsAccount
	require.NoError(t, gdb.Order("external_id").Find(&before).Error)

	res, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 3, res.Unchanged)

	var after []models.AdsAccount
	require.NoError(t, gdb.Order("external_id").Find(&after).Error)
	require.Len(t, after, 3)
	for i := range after {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].DisplayName, after[i].DisplayName)
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].Metadata, after[i].Metadata)
		assert.True(t, before[i].ConnectedAt.Equal(after[i].ConnectedAt))
	}
}

func TestSync_SkipsWithinMinInterval(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	s, _ := newTestService(t, l)
	ctx := context.Background()

	first, err := s.SyncAccounts(ctx, "user-1", "at", false)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, first.Status)

	res, err := s.SyncAccounts(ctx, "user-1", "at", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	require.NotNil(t, res.LastSyncedAt)
	assert.Len(t, l.calls(), 3)

	require.NoError(t, s.SyncScheduled(ctx, "user-1", "at"))
	assert.Len(t, l.calls(), 3)

	forced, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, forced.Status)
	assert.Len(t, l.calls(), 6)

	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	again, err := s.SyncAccounts(ctx, "user-1", "at", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, again.Status)
}

func TestSync_ConcurrentCallReportsInProgress(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	l.started = make(chan struct{})
	l.block = make(chan struct{})
	started, release := l.started, l.block
	s, _ := newTestService(t, l)
	ctx := context.Background()

	done := make(chan *SyncResult, 1)
	go func() {
		res, _ := s.SyncAccounts(ctx, "user-1", "at", true)
		done <- res
	}()
	<-started

	res, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, res.Status)

	// Another subject is not blocked.
	l.mu.Lock()
	l.block = nil
	l.mu.Unlock()
	other, err := s.SyncAccounts(ctx, "user-2", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, other.Status)

	close(release)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, StatusSuccess, first.Status)

	res, err = s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestSync_MergePreservesForeignMetadata(t *testing.T) {
	l := newFakeLister()
	l.pages[""] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("A", "Alpha Renamed", "CREATED")}}
	s, gdb := newTestService(t, l)

	now := time.Now().UTC()
	require.NoError(t, gdb.Create(&models.AdsAccount{
		ID:          uuid.NewString(),
		SubjectID:   "user-1",
		ExternalID:  "A",
		DisplayName: "Alpha",
		Status:      models.AccountStatusPending,
		Metadata: datatypes.JSONMap{
			"owner":          "ops-team",
			metaRemoteErrors: map[string]interface{}{"DE": "not onboarded"},
			metaCountryCodes: []interface{}{"DE"},
		},
		ConnectedAt:  now.Add(-24 * time.Hour),
		LastSyncedAt: now.Add(-24 * time.Hour),
	}).Error)

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)

	var got models.AdsAccount
	require.NoError(t, gdb.First(&got, "external_id = ?", "A").Error)
	assert.Equal(t, "Alpha Renamed", got.DisplayName)
	assert.Equal(t, models.AccountStatusActive, got.Status)
	assert.Equal(t, "ops-team", got.Metadata["owner"])
	assert.Equal(t, []interface{}{"US"}, got.Metadata[metaCountryCodes])
	assert.NotContains(t, got.Metadata, metaRemoteErrors)
	assert.True(t, got.LastSyncedAt.After(now.Add(-time.Minute)))
	assert.True(t, got.ConnectedAt.Before(now.Add(-time.Hour)), "connected_at is kept")
}

func TestSync_LargeProfileIDsKeepPrecision(t *testing.T) {
	l := newFakeLister()
	acct := remote("A", "Alpha", "CREATED")
	acct.AlternateIdentities[0].ProfileID = 9007199254740993
	l.pages[""] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{acct}}
	s, gdb := newTestService(t, l)
	ctx := context.Background()

	_, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)

	var got models.AdsAccount
	require.NoError(t, gdb.First(&got, "external_id = ?", "A").Error)
	raw, err := json.Marshal(got.Metadata)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"profileId":9007199254740993`)

	res, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Updated)
}

func TestSync_RemoteErrorsStored(t *testing.T) {
	l := newFakeLister()
	acct := remote("A", "Alpha", "PARTIALLY_CREATED")
	acct.ErrorsByCountry = map[string]json.RawMessage{"FR": json.RawMessage(`[{"errorCode":"INVALID"}]`)}
	l.pages[""] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{acct}}
	s, gdb := newTestService(t, l)

	_, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)

	var got models.AdsAccount
	require.NoError(t, gdb.First(&got, "external_id = ?", "A").Error)
	assert.Equal(t, models.AccountStatusPartial, got.Status)
	errs, ok := got.Metadata[metaRemoteErrors].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, errs, "FR")
}

func TestSync_DuplicateRecordsLastWins(t *testing.T) {
	l := newFakeLister()
	l.pages[""] = &upstream.ListAccountsPage{
		Accounts:  []upstream.RemoteAccount{remote("A", "First", "CREATED")},
		NextToken: "p2",
	}
	l.pages["p2"] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("A", "Second", "DISABLED")}}
	s, _ := newTestService(t, l)

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Created)

	accts, err := s.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, "Second", accts[0].DisplayName)
	assert.Equal(t, models.AccountStatusDisabled, accts[0].Status)
}

func TestSync_InvalidRecordsMakeResultPartial(t *testing.T) {
	l := newFakeLister()
	l.pages[""] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{
		remote("A", "Alpha", "CREATED"),
		remote("B", "Beta", "ARCHIVED"),
		remote("", "Nameless", "CREATED"),
	}}
	s, gdb := newTestService(t, l)

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)

	var h models.SyncHistory
	require.NoError(t, gdb.First(&h, res.HistoryID).Error)
	assert.Equal(t, models.SyncStatusPartial, h.Status)
	assert.Equal(t, 1, h.AccountsSynced)
	assert.Equal(t, 2, h.AccountsFailed)
	assert.Contains(t, string(h.ErrorDetails), "ARCHIVED")
}

func TestSync_LaterPageFailureKeepsGatheredRecords(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	l.errs["p2"] = resilience.Retryable(resilience.ErrUpstreamServer, 0)
	s, gdb := newTestService(t, l)

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.True(t, res.Truncated)
	assert.Equal(t, 1, res.Created)
	assert.Contains(t, res.Error, "upstream server error")

	var n int64
	require.NoError(t, gdb.Model(&models.AdsAccount{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	// A partial sync does not satisfy the frequency guard.
	again, err := s.SyncAccounts(context.Background(), "user-1", "at", false)
	require.NoError(t, err)
	assert.NotEqual(t, StatusSkipped, again.Status)
}

func TestSync_FirstPageFailure(t *testing.T) {
	l := newFakeLister()
	l.errs[""] = resilience.ErrTokenInvalid
	s, gdb := newTestService(t, l)

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.ErrorIs(t, err, resilience.ErrTokenInvalid)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, res.Total)

	hist, err := s.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.SyncStatusFailed, hist[0].Status)
	assert.Equal(t, models.SyncKindManual, hist[0].Kind)

	var n int64
	require.NoError(t, gdb.Model(&models.AdsAccount{}).Count(&n).Error)
	assert.Zero(t, n)

	err = s.SyncScheduled(context.Background(), "user-1", "at")
	assert.ErrorIs(t, err, resilience.ErrTokenInvalid)
}

func TestSync_StopsAtPageCap(t *testing.T) {
	l := newFakeLister()
	l.pages[""] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("A", "Alpha", "CREATED")}, NextToken: "p2"}
	l.pages["p2"] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("B", "Beta", "CREATED")}, NextToken: "p3"}
	l.pages["p3"] = &upstream.ListAccountsPage{Accounts: []upstream.RemoteAccount{remote("C", "Gamma", "CREATED")}}

	gdb := newTestDB(t)
	cfg := DefaultConfig()
	cfg.PageDelay = 0
	cfg.MaxPages = 2
	s := NewService(gdb, l, cfg, logging.NewSilentLogger())

	res, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{"", "p2"}, l.calls())
}

func TestSync_PacesPageRequests(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	gdb := newTestDB(t)
	cfg := DefaultConfig()
	cfg.PageDelay = 30 * time.Millisecond
	s := NewService(gdb, l, cfg, logging.NewSilentLogger())

	start := time.Now()
	_, err := s.SyncAccounts(context.Background(), "user-1", "at", true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestSync_CallerCancellationDoesNotAbort(t *testing.T) {
	l := newFakeLister()
	threePages(l)
	s, _ := newTestService(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Created)
}

func TestHistory_NewestFirst(t *testing.T) {
	l := newFakeLister()
	l.errs[""] = errors.New("boom")
	s, _ := newTestService(t, l)
	ctx := context.Background()

	_, _ = s.SyncAccounts(ctx, "user-1", "at", true)
	l.mu.Lock()
	delete(l.errs, "")
	l.mu.Unlock()
	_, err := s.SyncAccounts(ctx, "user-1", "at", true)
	require.NoError(t, err)

	hist, err := s.History(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, models.SyncStatusSuccess, hist[0].Status)
	assert.Equal(t, models.SyncStatusFailed, hist[1].Status)
}
