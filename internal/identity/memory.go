package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryUserStore is an in-process UserStore used by tests and local runs.
type MemoryUserStore struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*User
	byEmail map[string]int64
}

var _ UserStore = (*MemoryUserStore)(nil)

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[int64]*User),
		byEmail: make(map[string]int64),
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[u.Email]; ok {
		return ErrAlreadyExists
	}
	s.nextID++
	u.ID = s.nextID
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	stored := *u
	stored.Roles = append([]Role(nil), u.Roles...)
	s.byID[u.ID] = &stored
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *MemoryUserStore) Find(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	out.Roles = append([]Role(nil), u.Roles...)
	return &out, nil
}

func (s *MemoryUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.byID[id]
	out := *u
	out.Roles = append([]Role(nil), u.Roles...)
	return &out, nil
}

// Len reports the number of stored users.
func (s *MemoryUserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// MemoryRefreshTokenStore is an in-process RefreshTokenStore.
type MemoryRefreshTokenStore struct {
	mu      sync.RWMutex
	nextID  int64
	byValue map[string]*RefreshToken
}

var _ RefreshTokenStore = (*MemoryRefreshTokenStore)(nil)

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{byValue: make(map[string]*RefreshToken)}
}

func (s *MemoryRefreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	tok.ID = s.nextID
	tok.CreatedAt = time.Now().UTC()
	stored := *tok
	s.byValue[tok.Token] = &stored
	return nil
}

func (s *MemoryRefreshTokenStore) FindByValue(ctx context.Context, value string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.byValue[value]
	if !ok {
		return nil, ErrNotFound
	}
	out := *tok
	return &out, nil
}

func (s *MemoryRefreshTokenStore) Delete(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byValue, value)
	return nil
}

// Len reports the number of live refresh tokens.
func (s *MemoryRefreshTokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byValue)
}
