package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte(strings.Repeat("k", 32))

func mustVerifier(t *testing.T, opts ...JWTOption) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret, false, opts...)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := mustVerifier(t)
	now := time.Now()
	want := Identity{UserID: "u1", Email: "a@example.com", Username: "alice"}

	tok, err := v.Issue(want, now, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := v.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("identity=%+v, want %+v", got, want)
	}
}

func TestJWTVerifier_RefusalReasons(t *testing.T) {
	v := mustVerifier(t)
	now := time.Now()
	valid, _ := v.Issue(Identity{UserID: "u1"}, now, time.Hour)

	other, _ := NewJWTVerifier([]byte(strings.Repeat("x", 32)), false)
	foreign, _ := other.Issue(Identity{UserID: "u1"}, now, time.Hour)

	noID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString(testSecret)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"id":  "u1",
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		at    time.Time
		want  error
	}{
		{"empty", "  ", now, ErrNoToken},
		{"garbage", "not.a.jwt", now, ErrInvalidToken},
		{"wrong key", foreign, now, ErrInvalidToken},
		{"alg none", none, now, ErrInvalidToken},
		{"missing id", noID, now, ErrInvalidToken},
		{"expired", valid, now.Add(2 * time.Hour), ErrExpiredToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token, tc.at)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
			if Code(err) != tc.want.Error() {
				t.Fatalf("code=%q, want %q", Code(err), tc.want.Error())
			}
		})
	}
}

func TestJWTVerifier_Issuer(t *testing.T) {
	now := time.Now()
	issuing := mustVerifier(t, WithIssuer("accounts"))
	tok, _ := issuing.Issue(Identity{UserID: "u1"}, now, time.Hour)

	if _, err := mustVerifier(t, WithIssuer("accounts")).Verify(tok, now); err != nil {
		t.Fatalf("matching issuer: %v", err)
	}
	if _, err := mustVerifier(t, WithIssuer("elsewhere")).Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("issuer mismatch err=%v", err)
	}
}

func TestNewJWTVerifier_SecretLength(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short"), false); err == nil {
		t.Fatalf("short secret accepted")
	}
	if _, err := NewJWTVerifier([]byte("short"), true); err != nil {
		t.Fatalf("dev secret rejected: %v", err)
	}
	if _, err := NewJWTVerifier(nil, true); err == nil {
		t.Fatalf("empty secret accepted")
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer", "Bearer abc", "/ws", "abc"},
		{"bearer lowercase", "bearer  abc ", "/ws", "abc"},
		{"query", "", "/ws?token=xyz", "xyz"},
		{"header wins", "Bearer abc", "/ws?token=xyz", "abc"},
		{"other scheme", "Basic abc", "/ws?token=xyz", ""},
		{"none", "", "/ws", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := TokenFromRequest(r); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIdentityContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if _, ok := FromContext(r.Context()); ok {
		t.Fatalf("unexpected identity")
	}
	ctx := WithIdentity(r.Context(), Identity{UserID: "u1"})
	if id, ok := FromContext(ctx); !ok || id.UserID != "u1" {
		t.Fatalf("identity=%+v ok=%v", id, ok)
	}
}
