package lists

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	// ErrValidation: malformed input, rejected before any persistence.
	ErrValidation = errors.New("validation")
	// ErrNotFound: list, item or user absent.
	ErrNotFound = errors.New("not_found")
	// ErrForbidden: caller is not the owner or not an accepted member with enough privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict: duplicate invite, invite to self, stale revision.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable: storage failed; surfaced to the caller without retry.
	ErrUnavailable = errors.New("unavailable")

	// ErrStaleRevision is the cause attached to ErrConflict when a write raced another one.
	ErrStaleRevision = errors.New("stale revision")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Err carries the underlying cause (driver error, context error) when there is one.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationErr(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func notFoundErr(op, what string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: what}
}

func forbiddenErr(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

func conflictErr(op, msg string) error {
	return OpError{Op: op, Kind: ErrConflict, Msg: msg}
}

func staleErr(op string) error {
	return OpError{Op: op, Kind: ErrConflict, Err: ErrStaleRevision}
}

// storageErr wraps a driver failure. Errors that already carry a kind pass through.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	return OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
