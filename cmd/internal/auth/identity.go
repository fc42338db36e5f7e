// Package auth verifies bearer credentials issued by the external account service
// and carries the resulting identity through request contexts.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// TokenFromRequest extracts the credential from "Authorization: Bearer <t>" or,
// for browser websocket handshakes that cannot set headers, the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
