package session

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-process Store for development servers and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Row
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func (s *MemoryStore) Create(ctx context.Context, in NewRow) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := ulid.MustNew(ulid.Timestamp(in.Now), ulid.DefaultEntropy()).String()
	now := in.Now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = Row{
		ID:              id,
		UserID:          in.UserID,
		CreatedAt:       in.Now,
		AuthenticatedAt: in.Now,
		LastUsedAt:      &now,
		ExpiresAt:       in.ExpiresAt,
		Platform:        in.Device.Platform,
	}
	return id, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return row, nil
}

func (s *MemoryStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		row.LastUsedAt = &now
		s.rows[sessionID] = row
	}
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok && row.RevokedAt == nil {
		row.RevokedAt = &now
		s.rows[sessionID] = row
	}
	return nil
}

func (s *MemoryStore) RevokeAllExcept(ctx context.Context, now time.Time, userID, keepID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		if row.UserID != userID || id == keepID || row.RevokedAt != nil {
			continue
		}
		row.RevokedAt = &now
		s.rows[id] = row
		n++
	}
	return n, nil
}
