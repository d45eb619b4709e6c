package app

import (
	"errors"
	"strings"

	"github.com/flexerosint/flexer-osint/cmd/internal/auth/session"
)

// ValidateSecurityConfig enforces Flexer's startup security policy.
//
// A server backed by Postgres keeps auth sessions across restarts, so its access tokens must
// be signed with a persistent key. An ephemeral key is only accepted for in-memory runs or
// when FLEXER_REQUIRE_PERSISTENT_KEY=false.
func ValidateSecurityConfig(cfg Config, sess session.Config) error {
	if !cfg.RequirePersistentKey || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil
	}
	if strings.TrimSpace(sess.PasetoV4SecretKeyHex) == "" {
		return errors.New("security policy: FLEXER_DATABASE_URL is set but FLEXER_PASETO_V4_SECRET_KEY_HEX is missing")
	}
	return nil
}
