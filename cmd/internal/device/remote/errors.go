package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/httpjson"
)

// Auth error codes, as sent by the server.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeThrottled          = "throttled"
	CodeAccountExists      = "account_exists"
	CodeReauthRequired     = "reauth_required"
	CodeWeakPassword       = "weak_password"
	CodeInvalidEmail       = "invalid_email"
	CodeUnauthorized       = "unauthorized"
)

// AuthError is an identity provider rejection. It is shown inline and never ends the session.
type AuthError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "auth: " + e.Code
	}
	return "auth: " + e.Code + ": " + e.Message
}

// Is matches any *AuthError with the same Code.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidCredentials = &AuthError{Code: CodeInvalidCredentials}
	ErrThrottled          = &AuthError{Code: CodeThrottled}
	ErrAccountExists      = &AuthError{Code: CodeAccountExists}
	ErrReauthRequired     = &AuthError{Code: CodeReauthRequired}
	ErrWeakPassword       = &AuthError{Code: CodeWeakPassword}
	ErrInvalidEmail       = &AuthError{Code: CodeInvalidEmail}

	// ErrSignedOut is returned by calls that need an access token when there is none.
	ErrSignedOut = errors.New("remote: not signed in")
)

// TransportError is a failure to reach the server or an unexpected server failure.
// It matches docstore.ErrUnavailable.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{docstore.ErrUnavailable, e.Err} }

func readAPIError(resp *http.Response) (code, msg string) {
	return httpjson.ReadError(resp.Body, 64<<10)
}

// authErrorFrom maps a non-2xx auth API response.
func authErrorFrom(op string, resp *http.Response) error {
	code, msg := readAPIError(resp)
	switch code {
	case CodeInvalidCredentials, CodeAccountExists, CodeReauthRequired, CodeWeakPassword,
		CodeInvalidEmail, CodeUnauthorized, "not_found", "invalid_request", "registration_closed":
		if code == "not_found" {
			code = CodeUnauthorized
		}
		return &AuthError{Code: code, Message: msg}
	case CodeThrottled:
		e := &AuthError{Code: code, Message: msg}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	}
	return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(nonEmpty(msg, http.StatusText(resp.StatusCode)))}
}

// docErrorFrom maps a non-2xx document API response onto the docstore taxonomy.
func docErrorFrom(op string, resp *http.Response) error {
	code, msg := readAPIError(resp)
	var kind error
	switch {
	case resp.StatusCode == http.StatusForbidden || code == "permission_denied":
		kind = docstore.ErrPermissionDenied
	case resp.StatusCode == http.StatusUnauthorized:
		kind = docstore.ErrPermissionDenied
		msg = nonEmpty(msg, "unauthenticated")
	case resp.StatusCode == http.StatusNotFound:
		kind = docstore.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		kind = docstore.ErrInvalidArgument
	case resp.StatusCode == http.StatusConflict:
		kind = docstore.ErrConflict
	default:
		return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(nonEmpty(msg, http.StatusText(resp.StatusCode)))}
	}
	return &docstore.OpError{Op: op, Kind: kind, Msg: msg}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
