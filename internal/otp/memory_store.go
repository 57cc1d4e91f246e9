package otp

import (
	"context"
	"sync"
	"time"

	"account-security/internal/models"
	"account-security/internal/util"
)

// MemoryStore keeps tickets in process memory. They do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]models.OTPTicket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]models.OTPTicket)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.OTPTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return &t, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, ticket *models.OTPTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[key] = *ticket
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, key)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// Reap removes tickets that expired before now and returns how many it removed.
func (s *MemoryStore) Reap(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, t := range s.tickets {
		if t.Expired(now) {
			delete(s.tickets, key)
			removed++
		}
	}
	return removed
}

// StartReaper reaps on every tick until ctx is done. It only bounds memory;
// expiry is always enforced when a ticket is read.
func (s *MemoryStore) StartReaper(ctx context.Context, interval time.Duration, now func() time.Time) {
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
				if n := s.Reap(now()); n > 0 {
					util.Debug("Reaped expired codes", util.Int("count", n))
				}
			}
		}
	}()
}
