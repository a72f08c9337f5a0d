// Package auth extracts client credentials and carries the
// authenticated principal through request contexts.
//
// REST-style requests present an Authorization: Bearer header. Browser
// WebSocket upgrades cannot set headers, so the practice endpoint also
// accepts an api_key query parameter; Credential checks both.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Principal identifies an authenticated caller.
type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the token from an Authorization: Bearer header.
func ParseBearer(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	return token, token != ""
}

// Credential returns the API key presented on the request, preferring
// the Authorization header over the api_key query parameter.
func Credential(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	key := strings.TrimSpace(r.URL.Query().Get("api_key"))
	return key, key != ""
}
