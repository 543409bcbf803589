package handoff

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultJanitorInterval = time.Minute

type memoryEntry struct {
	pending   Pending
	expiresAt time.Time
}

// MemoryStore keeps pending handoffs in process memory until they are taken
// or expire.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
	logger  *zap.Logger
}

// NewMemoryStore returns a store whose entries live for ttl.
func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
		logger:  logger,
	}
}

func (s *MemoryStore) Put(_ context.Context, p Pending) (string, error) {
	if p.Empty() {
		return "", ErrEmptyToken
	}
	token := newToken()
	s.mu.Lock()
	s.entries[token] = memoryEntry{pending: p, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Take(_ context.Context, token string) (Pending, bool, error) {
	if token == "" {
		return Pending{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return Pending{}, false, nil
	}
	delete(s.entries, token)
	if !s.now().Before(e.expiresAt) {
		return Pending{}, false, nil
	}
	return e.pending, true, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor removes expired entries every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	go s.janitorLoop(ctx, interval)
}

func (s *MemoryStore) janitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				s.logger.Debug("expired handoffs removed", zap.Int("count", n))
			}
		}
	}
}

func (s *MemoryStore) sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}
