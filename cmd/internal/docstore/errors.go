package docstore

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrNotFound         = errors.New("not_found")
	ErrPermissionDenied = errors.New("permission_denied")
	ErrUnavailable      = errors.New("unavailable")
	ErrInvalidArgument  = errors.New("invalid_argument")
	ErrClosed           = errors.New("closed")
	ErrConflict         = errors.New("conflict")
)

// OpError is a typed operation error carrying the failed Op and its Kind.
// Kind is one of the sentinel kinds above; Err keeps the underlying cause when there is one.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

func wrapErr(op string, kind error, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermissionDenied reports whether err represents ErrPermissionDenied.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsUnavailable reports whether err is a transport or backend availability failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsConflict reports whether a write precondition failed.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
