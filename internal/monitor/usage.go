// Package monitor counts upstream API usage per endpoint in hourly windows.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// PersistEvery flushes a window after this many requests.
	PersistEvery = 10
	// queueSize bounds pending flushes; overflow is dropped.
	queueSize = 256
	// keepWindows is how many past hourly windows stay in memory.
	keepWindows = 2
)

type bucketKey struct {
	endpoint string
	window   time.Time
}

type bucket struct {
	requests, rateLimits           int64
	savedRequests, savedRateLimits int64
	sinceFlush                     int
}

var _ resilience.UsageTracker = (*UsageTracker)(nil)

// UsageTracker implements resilience.UsageTracker. Recording never blocks:
// counts live in memory and a single goroutine persists deltas.
type UsageTracker struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	closed  bool

	queue chan bucketKey
	done  chan struct{}
}

// NewUsageTracker starts the flusher goroutine. Call Close to stop it.
func NewUsageTracker(db *gorm.DB, log zerolog.Logger) *UsageTracker {
	t := &UsageTracker{
		db:      db,
		log:     log.With().Str("component", "usage").Logger(),
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
		queue:   make(chan bucketKey, queueSize),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

// RecordRequest counts one issued request.
func (t *UsageTracker) RecordRequest(endpoint string) {
	t.record(endpoint, false)
}

// RecordRateLimit counts one rate-limit answer and persists right away.
func (t *UsageTracker) RecordRateLimit(endpoint string) {
	t.record(endpoint, true)
}

func (t *UsageTracker) record(endpoint string, rateLimited bool) {
	key := bucketKey{endpoint: endpoint, window: t.now().UTC().Truncate(time.Hour)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{}
		t.buckets[key] = b
	}
	flush := false
	if rateLimited {
		b.rateLimits++
		flush = true
	} else {
		b.requests++
		b.sinceFlush++
		flush = b.sinceFlush >= PersistEvery
	}
	if flush {
		b.sinceFlush = 0
		// Sent under the lock so Close cannot close the queue mid-send.
		select {
		case t.queue <- key:
		default:
			t.log.Debug().Str("endpoint", endpoint).Msg("usage flush queue full, dropping")
		}
	}
	t.mu.Unlock()
}

func (t *UsageTracker) run() {
	defer close(t.done)
	for key := range t.queue {
		t.flush(key)
	}
	// Drain whatever was never sampled.
	t.mu.Lock()
	keys := make([]bucketKey, 0, len(t.buckets))
	for k := range t.buckets {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.flush(k)
	}
}

// flush writes the unsaved delta of one window.
func (t *UsageTracker) flush(key bucketKey) {
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	dReq := b.requests - b.savedRequests
	dRL := b.rateLimits - b.savedRateLimits
	b.savedRequests, b.savedRateLimits = b.requests, b.rateLimits
	t.pruneLocked(key.window)
	t.mu.Unlock()

	if dReq == 0 && dRL == 0 {
		return
	}

	row := models.APIUsage{
		Endpoint:       key.endpoint,
		WindowStart:    key.window,
		RequestCount:   dReq,
		RateLimitCount: dRL,
	}
	err := t.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count":    gorm.Expr("api_usage.request_count + excluded.request_count"),
			"rate_limit_count": gorm.Expr("api_usage.rate_limit_count + excluded.rate_limit_count"),
			"updated_at":       gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&row).Error
	if err == nil {
		return
	}

	t.log.Warn().Err(err).Str("endpoint", key.endpoint).Msg("failed to persist usage")
	t.mu.Lock()
	if b, ok := t.buckets[key]; ok {
		b.savedRequests -= dReq
		b.savedRateLimits -= dRL
	}
	t.mu.Unlock()
}

// pruneLocked drops fully saved buckets older than the retained windows.
func (t *UsageTracker) pruneLocked(current time.Time) {
	cutoff := current.Add(-keepWindows * time.Hour)
	for k, b := range t.buckets {
		if k.window.Before(cutoff) && b.requests == b.savedRequests && b.rateLimits == b.savedRateLimits {
			delete(t.buckets, k)
		}
	}
}

// Close stops recording, persists pending counts and waits for the flusher.
func (t *UsageTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	<-t.done
}

// Usage returns persisted windows starting at or after since, newest first.
func (t *UsageTracker) Usage(ctx context.Context, since time.Time) ([]models.APIUsage, error) {
	var rows []models.APIUsage
	err := t.db.WithContext(ctx).
		Where("window_start >= ?", since.UTC().Truncate(time.Hour)).
		Order("window_start DESC, endpoint ASC").
		Find(&rows).Error
	return rows, err
}

// Live returns in-memory counts for the current window, including unsaved ones.
func (t *UsageTracker) Live() []models.APIUsage {
	window := t.now().UTC().Truncate(time.Hour)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.APIUsage
	for k, b := range t.buckets {
		if !k.window.Equal(window) {
			continue
		}
		out = append(out, models.APIUsage{
			Endpoint:       k.endpoint,
			WindowStart:    k.window,
			RequestCount:   b.requests,
			RateLimitCount: b.rateLimits,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
