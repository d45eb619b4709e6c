package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines the runtime configuration of the session subsystem.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// TTL bounds both the access token and its backing session row.
	TTL time.Duration

	// ClockSkew is the tolerance applied during token validation.
	ClockSkew time.Duration

	// FreshWindow is how long after authentication a session may change its password.
	FreshWindow time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key signing v4.public tokens.
	PasetoV4SecretKeyHex string

	// AllowEphemeralKey lets development servers start without a key; a random one is
	// generated and every token is invalidated on restart.
	AllowEphemeralKey bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:      "flexer",
		TTL:         7 * 24 * time.Hour,
		ClockSkew:   30 * time.Second,
		FreshWindow: 5 * time.Minute,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required (unless FLEXER_AUTH_EPHEMERAL_KEY=true):
//   - FLEXER_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - FLEXER_AUTH_ISSUER
//   - FLEXER_AUTH_TTL
//   - FLEXER_AUTH_CLOCK_SKEW
//   - FLEXER_AUTH_FRESH_WINDOW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("FLEXER_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"FLEXER_AUTH_TTL", &cfg.TTL, false},
		{"FLEXER_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"FLEXER_AUTH_FRESH_WINDOW", &cfg.FreshWindow, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("FLEXER_AUTH_EPHEMERAL_KEY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.AllowEphemeralKey = b
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("FLEXER_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" && !cfg.AllowEphemeralKey {
		return Config{}, ErrConfig
	}

	if cfg.FreshWindow > cfg.TTL {
		return Config{}, ErrConfig
	}
	return cfg, nil
}
