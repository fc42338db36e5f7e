package app

import (
	"errors"

	"shopsync/cmd/internal/auth"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces the credential policy at startup.
//
// A missing or short SHOPSYNC_JWT_SECRET is fatal unless SHOPSYNC_DEV_INSECURE is set.
// Length is measured in bytes because the secret is used as a raw HMAC key.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("security policy: SHOPSYNC_JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretBytes && !cfg.DevInsecure {
		return errors.New("security policy: SHOPSYNC_JWT_SECRET is too short (min 32 bytes)")
	}
	return nil
}

func newVerifier(cfg Config) (*auth.JWTVerifier, error) {
	return auth.NewJWTVerifier(
		[]byte(cfg.JWTSecret),
		cfg.DevInsecure,
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithLeeway(cfg.JWTLeeway),
	)
}
