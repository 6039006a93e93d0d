package responder

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type tokenEntry struct {
	keyAuthorization string
	expiresAt        time.Time
}

// tokenStore maps challenge tokens to their key authorizations with
// per-entry expiry. Reads take shared access; inserts, sweeps and lazy
// eviction of expired entries take exclusive access. The lock is never held
// across I/O.
type tokenStore struct {
	mu      sync.RWMutex
	entries map[string]tokenEntry
}

func newTokenStore() *tokenStore {
	return &tokenStore{entries: make(map[string]tokenEntry)}
}

// Get returns the key authorization for a live token. An expired entry is
// removed on access and reported as absent.
func (s *tokenStore) Get(token string, now time.Time) (string, bool) {
	s.mu.RLock()
	entry, ok := s.entries[token]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; the entry may have been replaced
		// with a fresh expiry since the read.
		if current, ok := s.entries[token]; ok && now.After(current.expiresAt) {
			delete(s.entries, token)
		}
		s.mu.Unlock()
		return "", false
	}
	return entry.keyAuthorization, true
}

// Put inserts or replaces the entry for token.
func (s *tokenStore) Put(token, keyAuthorization string, expiresAt time.Time) {
	s.mu.Lock()
	s.entries[token] = tokenEntry{
		keyAuthorization: keyAuthorization,
		expiresAt:        expiresAt,
	}
	s.mu.Unlock()
}

// Sweep removes every entry whose expiry lies before now and returns the
// number removed. An entry expiring exactly at now is kept, matching Get.
func (s *tokenStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, live or expired.
func (s *tokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweepLoop periodically removes expired entries so memory stays bounded
// even when the public endpoint never touches them.
func (s *Server) sweepLoop(done <-chan struct{}) {
	for {
		interval := time.Duration(s.currentSettings().CleanupIntervalSecs) * time.Second
		select {
		case <-done:
			return
		case <-time.After(interval):
			if removed := s.store.Sweep(time.Now()); removed > 0 {
				logrus.Infof("Removed %d expired HTTP-01 tokens", removed)
			}
		}
	}
}
