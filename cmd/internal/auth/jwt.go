package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretBytes = 32

// Verifier authenticates a raw credential. It performs no storage lookups.
type Verifier interface {
	Verify(token string, now time.Time) (Identity, error)
}

// claims mirrors the account service token: {id, email, username} plus registered claims.
type claims struct {
	jwt.RegisteredClaims
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier) error

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) error {
		v.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithLeeway tolerates clock skew on exp/nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) error {
		if d < 0 {
			return errors.New("auth: negative leeway")
		}
		v.leeway = d
		return nil
	}
}

// NewJWTVerifier constructs a verifier. Secrets shorter than 32 bytes are rejected
// unless allowWeak is set (local development only).
func NewJWTVerifier(secret []byte, allowWeak bool, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty jwt secret")
	}
	if len(secret) < minSecretBytes && !allowWeak {
		return nil, errors.New("auth: jwt secret must be at least 32 bytes")
	}
	v := &JWTVerifier{secret: append([]byte(nil), secret...)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Verify checks signature and expiry and returns the identity in the token.
func (v *JWTVerifier) Verify(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, Error{Reason: ErrNoToken}
	}
	if now.IsZero() {
		now = time.Now()
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, Error{Reason: ErrExpiredToken, Err: err}
		}
		return Identity{}, Error{Reason: ErrInvalidToken, Err: err}
	}

	userID := strings.TrimSpace(c.ID)
	if userID == "" {
		userID = strings.TrimSpace(c.Subject)
	}
	if userID == "" {
		return Identity{}, Error{Reason: ErrInvalidToken, Err: errors.New("missing user id claim")}
	}
	return Identity{
		UserID:   userID,
		Email:    strings.TrimSpace(c.Email),
		Username: strings.TrimSpace(c.Username),
	}, nil
}

// Issue signs a token for id. Used by development tooling and tests; production
// tokens come from the account service.
func (v *JWTVerifier) Issue(id Identity, now time.Time, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("auth: missing user id")
	}
	if now.IsZero() {
		now = time.Now()
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ID:       id.UserID,
		Email:    id.Email,
		Username: id.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
