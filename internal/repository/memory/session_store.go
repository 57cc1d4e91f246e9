package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"account-security/internal/models"
	"account-security/internal/util"
)

// SessionStore keeps sessions in process memory.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]models.Session
}

func NewSessionStore(ttl time.Duration, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{ttl: ttl, now: now, sessions: make(map[string]models.Session)}
}

func (s *SessionStore) Establish(_ context.Context, account *models.Account) (*models.Session, error) {
	now := s.now().UTC()
	session := models.Session{
		Token:     uuid.NewString(),
		AccountID: account.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()
	return &session, nil
}

func (s *SessionStore) Lookup(_ context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !s.now().Before(session.ExpiresAt) {
		delete(s.sessions, token)
		return nil, models.ErrNotFound
	}
	return &session, nil
}

func (s *SessionStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) RevokeAll(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, session := range s.sessions {
		if session.AccountID == accountID {
			delete(s.sessions, token)
		}
	}
	return nil
}

// Reap drops sessions that expired by now and returns how many it dropped.
func (s *SessionStore) Reap(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// StartReaper reaps on every tick until ctx is done. Tokens that are never
// looked up again would otherwise stay in memory forever.
func (s *SessionStore) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Reap(s.now()); n > 0 {
					util.Debug("Reaped expired sessions", util.Int("count", n))
				}
			}
		}
	}()
}

// Len reports how many sessions are held, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
