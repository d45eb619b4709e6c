// Package identity holds flexer's user accounts: email identities, Argon2id password
// hashes and their persistence (in-memory or PostgreSQL).
//
// The HTTP surface lives in cmd/internal/auth/api; access tokens and revocable auth
// sessions live in cmd/internal/auth/session.
package identity
