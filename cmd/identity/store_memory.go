package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*UserAuth
	byEmail map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*UserAuth),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	in, err := validateCreate(op, in)
	if err != nil {
		return User{}, err
	}

	id, err := NewULID(in.Now)
	if err != nil {
		return User{}, err
	}
	u := User{ID: id, Email: in.Email, EmailNorm: NormalizeEmail(in.Email), CreatedAt: in.Now}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[u.EmailNorm]; taken {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	s.byID[id] = &UserAuth{User: u, PasswordHash: in.PasswordHash, PasswordUpdatedAt: in.Now}
	s.byEmail[u.EmailNorm] = id
	return u, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	ua, err := s.GetUserAuthByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	return ua.User, nil
}

func (s *MemoryStore) GetUserAuthByID(ctx context.Context, id string) (UserAuth, error) {
	const op = "identity.GetUserAuthByID"
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ua, ok := s.byID[id]
	if !ok {
		return UserAuth{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return *ua, nil
}

func (s *MemoryStore) GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error) {
	const op = "identity.GetUserAuthByEmail"
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return UserAuth{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if err := ctx.Err(); err != nil {
		return err
	}
	if trimSpace(hash) == "" {
		return invalid(op, "password hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ua, ok := s.byID[userID]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	ua.PasswordHash = hash
	ua.PasswordUpdatedAt = now
	return nil
}
