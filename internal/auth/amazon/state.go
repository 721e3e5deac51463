package amazon

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a login redirect may take.
const DefaultStateTTL = 10 * time.Minute

type stateEntry struct {
	subject string
	expires time.Time
}

// StateStore binds single-use CSRF state values to the subject that started
// the login.
type StateStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]stateEntry
}

// NewStateStore creates a store; ttl <= 0 uses DefaultStateTTL.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{ttl: ttl, now: time.Now, entries: make(map[string]stateEntry)}
}

// Issue returns a fresh state value for subject.
func (s *StateStore) Issue(subject string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = stateEntry{subject: subject, expires: now.Add(s.ttl)}
	return state, nil
}

// Consume returns the subject bound to state and forgets it.
func (s *StateStore) Consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return "", false
	}
	delete(s.entries, state)
	if s.now().After(e.expires) {
		return "", false
	}
	return e.subject, true
}
