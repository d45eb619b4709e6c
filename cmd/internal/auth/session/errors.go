package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned when the session row does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session is expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when the session has been revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrReauthRequired is returned when an operation needs a recently authenticated session.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
