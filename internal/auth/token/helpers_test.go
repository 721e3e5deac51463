package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/amazon"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/crypto"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/stretchr/testify/require"
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

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	gdb := newTestDB(t)
	c, err := crypto.NewCipher("test-encryption-key-0123456789")
	require.NoError(t, err)
	return NewManager(gdb, c, logging.NewSilentLogger()), gdb
}

// seedToken stores an active token whose refresh token is "rt-<subject>".
func seedToken(t *testing.T, m *Manager, subject string, expiresIn time.Duration) *models.Token {
	t.Helper()
	tok, err := m.SaveTokenSet(context.Background(), subject, &amazon.TokenSet{
		AccessToken:  "at-" + subject,
		RefreshToken: "rt-" + subject,
		ExpiresAt:    time.Now().Add(expiresIn),
		Scope:        "advertising::campaign_management",
	})
	require.NoError(t, err)
	return tok
}

func reload(t *testing.T, gdb *gorm.DB, id string) models.Token {
	t.Helper()
	var tok models.Token
	require.NoError(t, gdb.First(&tok, "id = ?", id).Error)
	return tok
}

type fakeRefresher struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]error
	rotate bool
	block  chan struct{}
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (*amazon.TokenSet, error) {
	f.mu.Lock()
	f.calls[refreshToken]++
	err := f.fail[refreshToken]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	ts := &amazon.TokenSet{AccessToken: "new-" + refreshToken, ExpiresAt: time.Now().Add(time.Hour)}
	if f.rotate {
		ts.RefreshToken = refreshToken + "-rotated"
	}
	return ts, nil
}

func (f *fakeRefresher) setFail(refreshToken string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, refreshToken)
		return
	}
	f.fail[refreshToken] = err
}

func (f *fakeRefresher) callCount(refreshToken string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[refreshToken]
}

func newTestScheduler(m *Manager, r Refresher) *Scheduler {
	return NewScheduler(m, r, SchedulerConfig{
		CheckInterval:    time.Hour,
		CleanupInterval:  time.Hour,
		RefreshThreshold: 10 * time.Minute,
		MaxFailures:      3,
		Concurrency:      4,
	}, logging.NewSilentLogger())
}
