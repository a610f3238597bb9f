package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// session is one browser tab's review. gate admits a single turn at a time.
type session struct {
	gate    sync.Mutex
	review  *domain.ReviewSession
	history []Message

	mu         sync.Mutex
	lastActive time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Sessions holds live text sessions in memory.
type Sessions struct {
	mu     sync.RWMutex
	active map[string]*session
	now    func() time.Time
}

// NewSessions creates an empty store.
func NewSessions() *Sessions {
	return &Sessions{
		active: make(map[string]*session),
		now:    time.Now,
	}
}

func (s *Sessions) put(id string, sess *session) {
	sess.touch(s.now())
	s.mu.Lock()
	s.active[id] = sess
	s.mu.Unlock()
}

func (s *Sessions) get(id string) *session {
	s.mu.RLock()
	sess := s.active[id]
	s.mu.RUnlock()
	if sess != nil {
		sess.touch(s.now())
	}
	return sess
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Sweep drops sessions idle for longer than ttl. A session with a turn in
// progress is kept. It returns the number removed.
func (s *Sessions) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.active {
		if !sess.idleSince().Before(cutoff) {
			continue
		}
		if !sess.gate.TryLock() {
			continue
		}
		delete(s.active, id)
		sess.gate.Unlock()
		removed++
	}
	return removed
}

// StartSweeper runs a background goroutine that periodically removes idle
// sessions until ctx ends.
func (s *Sessions) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					slog.Info("Session sweeper removed idle sessions", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
