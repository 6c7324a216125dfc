package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/saga"
)

const DefaultSessionTTL = 30 * time.Minute

type session struct {
	saga     *saga.Saga
	lastSeen time.Time
}

// SessionStore keeps one saga per client session in memory. Idle sessions
// expire after the TTL unless a payment or deployment is still running.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session

	newSaga func() *saga.Saga
	ttl     time.Duration
	now     func() time.Time
	logger  logger.Logger
}

func NewSessionStore(newSaga func() *saga.Saga, ttl time.Duration, l logger.Logger) *SessionStore {
	if newSaga == nil {
		panic("server.NewSessionStore: nil saga factory")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if l == nil {
		l = logger.NoopLogger{}
	}
	return &SessionStore{
		sessions: make(map[string]*session),
		newSaga:  newSaga,
		ttl:      ttl,
		now:      time.Now,
		logger:   l,
	}
}

// Create opens a new session with a fresh saga.
func (s *SessionStore) Create() (string, *saga.Saga) {
	id := uuid.NewString()
	sg := s.newSaga()

	s.mu.Lock()
	s.sessions[id] = &session{saga: sg, lastSeen: s.now()}
	s.mu.Unlock()

	return id, sg
}

// Get returns the saga for id and marks the session as used.
func (s *SessionStore) Get(id string) (*saga.Saga, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.saga, true
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *SessionStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.After(cutoff) || sess.saga.InFlight() {
			continue
		}
		if snap := sess.saga.Snapshot(); snap.Retryable {
			s.logger.Warn("expiring session with undelivered payment", map[string]any{
				"session":       id,
				"commission_id": snap.ID,
				"tx_hash":       snap.PaymentTxHash,
			})
		}
		delete(s.sessions, id)
		removed++
	}
	return removed
}

// Run sweeps expired sessions until ctx is done.
func (s *SessionStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("expired sessions", map[string]any{"count": n})
			}
		}
	}
}
