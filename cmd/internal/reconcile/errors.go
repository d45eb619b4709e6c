package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

var (
	// ErrInvalidState is returned by actions that the current state does not offer.
	ErrInvalidState = errors.New("reconcile: action not available in current state")
	// ErrStopped is returned when the engine loop is not running.
	ErrStopped = errors.New("reconcile: engine stopped")
	// ErrRevoked is returned by Resume when an administrator revoked this device. The device
	// must request authorization again.
	ErrRevoked = errors.New("reconcile: device session was revoked")
)

// ErrorKind classifies a bootstrap failure.
type ErrorKind string

const (
	KindPermission ErrorKind = "permission"
	KindTransport  ErrorKind = "transport"
	KindInternal   ErrorKind = "internal"
)

// BootstrapError is the diagnostic of a failed bootstrap.
type BootstrapError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Remediation is operator-facing guidance for the failure.
func (e *BootstrapError) Remediation() string {
	switch e.Kind {
	case KindPermission:
		return "The profile repository rejected this account's access. Check the repository " +
			"authorization rules for the profiles collection, then sign out and sign in again."
	case KindTransport:
		return "The profile repository could not be reached. Check the network connection and " +
			"server status, then sign out and sign in again."
	default:
		return "An unexpected error occurred while starting the session. Sign out and sign in again; " +
			"if it persists, report the diagnostic above."
	}
}

func classify(op string, err error) *BootstrapError {
	var be *BootstrapError
	if errors.As(err, &be) {
		return be
	}
	kind := KindInternal
	switch {
	case docstore.IsPermissionDenied(err):
		kind = KindPermission
	case docstore.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		kind = KindTransport
	}
	return &BootstrapError{Kind: kind, Op: op, Err: err}
}

// retryable reports whether a collaborator failure is transient.
func retryable(err error) bool {
	return docstore.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}
