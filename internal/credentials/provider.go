package credentials

import (
	"context"
	"errors"
	"sort"
	"sync"

	"bitget-ledger-sync/internal/bitget"
)

var (
	// ErrNotConfigured means the user has no usable API key and secret.
	ErrNotConfigured = errors.New("credentials not configured")
	// ErrDecrypt means stored credentials exist but could not be decrypted.
	ErrDecrypt = errors.New("credentials could not be decrypted")
)

// Provider resolves a user's decrypted exchange credentials.
type Provider interface {
	Credentials(ctx context.Context, userID uint) (bitget.Credentials, error)
	EligibleUsers(ctx context.Context) ([]uint, error)
}

// Static is an in-memory Provider.
type Static struct {
	mu    sync.RWMutex
	users map[uint]bitget.Credentials
}

// NewStatic returns a Static provider seeded with users.
func NewStatic(users map[uint]bitget.Credentials) *Static {
	s := &Static{users: make(map[uint]bitget.Credentials, len(users))}
	for id, c := range users {
		s.users[id] = c
	}
	return s
}

// Set stores or replaces a user's credentials.
func (s *Static) Set(userID uint, creds bitget.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = creds
}

func (s *Static) Credentials(_ context.Context, userID uint) (bitget.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.users[userID]
	if !ok || !c.Complete() {
		return bitget.Credentials{}, ErrNotConfigured
	}
	return c, nil
}

func (s *Static) EligibleUsers(_ context.Context) ([]uint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint, 0, len(s.users))
	for id, c := range s.users {
		if c.Complete() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
