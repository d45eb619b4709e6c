package session

import (
	"context"
	"errors"
	"time"
)

// Service implements the session operations used by the auth API.
//
// Access tokens are bound to a session row; revoking the row invalidates the token
// even though its signature is still valid.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
}

// Issued is the result of a successful login or registration.
type Issued struct {
	SessionID   string
	AccessToken string
	AccessExp   time.Time
}

// NewService constructs a Service.
func NewService(cfg Config, store Store, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens}
}

// IssueSession creates a session row and signs an access token for it.
func (s *Service) IssueSession(ctx context.Context, now time.Time, userID string, dev DeviceContext) (Issued, error) {
	if userID == "" {
		return Issued{}, ErrInvalidToken
	}
	if dev.Platform == "" {
		dev.Platform = PlatformUnknown
	}

	exp := now.Add(s.cfg.TTL)
	sessionID, err := s.store.Create(ctx, NewRow{UserID: userID, Device: dev, Now: now, ExpiresAt: exp})
	if err != nil {
		return Issued{}, err
	}

	token, _, err := s.tokens.Issue(userID, sessionID, now, now)
	if err != nil {
		return Issued{}, err
	}
	return Issued{SessionID: sessionID, AccessToken: token, AccessExp: exp}, nil
}

// ValidateAccessToken verifies an access token and ensures the backing session is active.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}

	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AccessClaims{}, ErrInvalidToken
		}
		return AccessClaims{}, err
	}
	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}
	return claims, nil
}

// RequireFresh returns ErrReauthRequired when the session authenticated longer ago
// than the configured freshness window.
func (s *Service) RequireFresh(claims AccessClaims, now time.Time) error {
	if claims.AuthTime.IsZero() || now.Sub(claims.AuthTime) > s.cfg.FreshWindow {
		return ErrReauthRequired
	}
	return nil
}

// RevokeSession revokes a single session (logout from one device).
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Revoke(ctx, now, sessionID)
}

// RevokeOthers revokes every session of userID except keepSessionID.
func (s *Service) RevokeOthers(ctx context.Context, now time.Time, userID, keepSessionID string) (int64, error) {
	return s.store.RevokeAllExcept(ctx, now, userID, keepSessionID)
}

// TouchSession updates last_used_at for a session (best-effort).
func (s *Service) TouchSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Touch(ctx, now, sessionID)
}

// PublicKeyHex exposes the verification key so other services can check tokens offline.
func (s *Service) PublicKeyHex() string {
	return s.tokens.PublicKeyHex()
}
