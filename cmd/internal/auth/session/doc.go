// Package session issues and validates flexer access tokens.
//
// Every login creates a server-side auth session row (revocable, with its own expiry)
// and a PASETO v4.public access token carrying uid, sid and auth_time. Validation checks
// both the signature and the row, so logout and password changes take effect immediately.
// auth_time drives the freshness check required for sensitive operations.
package session
