package auth

import "errors"

// Refusal reasons. Error() values double as the wire codes.
var (
	// ErrNoToken: no credential was presented.
	ErrNoToken = errors.New("no_token")
	// ErrInvalidToken: malformed, wrongly signed or missing required claims. Re-login required.
	ErrInvalidToken = errors.New("invalid_token")
	// ErrExpiredToken: well-formed but past its expiry. The client may refresh and retry.
	ErrExpiredToken = errors.New("expired_token")
)

// Error is an authentication failure with a stable Reason plus the underlying cause.
type Error struct {
	Reason error
	Err    error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "auth: " + e.Reason.Error()
	}
	return "auth: " + e.Reason.Error() + ": " + e.Err.Error()
}

func (e Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Code maps err to its wire code. Unknown errors are reported as invalid_token.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return ErrNoToken.Error()
	case errors.Is(err, ErrExpiredToken):
		return ErrExpiredToken.Error()
	default:
		return ErrInvalidToken.Error()
	}
}
