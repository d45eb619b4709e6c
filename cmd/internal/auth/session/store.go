package session

import (
	"context"
	"net"
	"time"
)

// Platform represents the client platform associated with a session.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformCLI     Platform = "cli"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps free-form client input onto a known Platform.
func ParsePlatform(s string) Platform {
	switch p := Platform(s); p {
	case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformDesktop, PlatformCLI:
		return p
	default:
		return PlatformUnknown
	}
}

// DeviceContext describes the client device that owns a session.
type DeviceContext struct {
	Platform  Platform
	UserAgent string
	IP        net.IP
}

// Row mirrors the sessions table.
type Row struct {
	ID              string
	UserID          string
	CreatedAt       time.Time
	AuthenticatedAt time.Time
	LastUsedAt      *time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	Platform        Platform
}

// Active reports whether the row can still back an access token at now.
func (r Row) Active(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// NewRow is the input to Store.Create.
type NewRow struct {
	UserID    string
	Device    DeviceContext
	Now       time.Time
	ExpiresAt time.Time
}

// Store abstracts persistence for session state.
type Store interface {
	// Create inserts a session row and returns its id.
	Create(ctx context.Context, in NewRow) (sessionID string, err error)

	// GetByID loads a session row; ErrSessionNotFound when absent.
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// Touch updates last_used_at.
	Touch(ctx context.Context, now time.Time, sessionID string) error

	// Revoke revokes a single session (idempotent).
	Revoke(ctx context.Context, now time.Time, sessionID string) error

	// RevokeAllExcept revokes every live session of userID other than keepID.
	// An empty keepID revokes them all.
	RevokeAllExcept(ctx context.Context, now time.Time, userID, keepID string) (int64, error)
}
