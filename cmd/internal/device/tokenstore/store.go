package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Keys used in the device key/value store.
const (
	KeyDeviceSession = "flexer.deviceSessionId"
	KeyAccessToken   = "flexer.accessToken"
)

// ErrNotFound is returned by KV.Get for absent keys.
var ErrNotFound = errors.New("tokenstore: not found")

// KV is a small string key/value backend.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store issues and remembers the device session id.
type Store struct {
	kv    KV
	newID func() string

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator replaces the ULID generator (tests use a deterministic sequence).
func WithGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New returns a Store over kv.
func New(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		newID: func() string { return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GetOrCreateDeviceSessionID returns the persisted device session id, generating and
// persisting a fresh one when absent. Repeated calls return the same value until Clear.
func (s *Store) GetOrCreateDeviceSessionID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.kv.Get(ctx, KeyDeviceSession)
	switch {
	case err == nil && strings.TrimSpace(id) != "":
		return id, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("tokenstore: read device session: %w", err)
	}

	id = s.newID()
	if err := s.kv.Put(ctx, KeyDeviceSession, id); err != nil {
		return "", fmt.Errorf("tokenstore: persist device session: %w", err)
	}
	return id, nil
}

// Clear forgets the device session id so the next sign-in generates a new one.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, KeyDeviceSession); err != nil {
		return fmt.Errorf("tokenstore: clear device session: %w", err)
	}
	return nil
}

// KV exposes the backend so other device state (the access token) shares the same file.
func (s *Store) KV() KV { return s.kv }
