// Package authhttp verifies ID tokens and session cookies on net/http
// requests and publishes signer keys.
package authhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	oidckit "github.com/PaulFidika/tokenkit/oidc"
)

// DefaultSessionCookie is the cookie RequireSessionCookie reads by default.
const DefaultSessionCookie = "session"

// TokenVerifier is implemented by *core.App.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, raw string) (*jwtkit.Claims, error)
	VerifySessionCookie(ctx context.Context, raw string) (*jwtkit.Claims, error)
}

type ctxKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c *jwtkit.Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFromContext returns the claims stored by the middleware.
func ClaimsFromContext(ctx context.Context) (*jwtkit.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*jwtkit.Claims)
	return c, ok && c != nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// StatusFor maps a verification error to an HTTP status and error code.
// Key service outages are 503 so clients retry instead of re-authenticating.
func StatusFor(err error) (int, string) {
	if oidckit.IsUnavailable(err) {
		return http.StatusServiceUnavailable, "key_service_unavailable"
	}
	return http.StatusUnauthorized, "invalid_token"
}

// RequireIDToken rejects requests without a valid bearer ID token.
func RequireIDToken(v TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := BearerToken(r)
		if raw == "" {
			unauthorized(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := v.VerifyIDToken(r.Context(), raw)
		if err != nil {
			status, code := StatusFor(err)
			unauthorized(w, status, code)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireSessionCookie rejects requests without a valid session cookie.
// An empty cookieName uses DefaultSessionCookie.
func RequireSessionCookie(v TokenVerifier, cookieName string, next http.Handler) http.Handler {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(cookieName)
		if err != nil || ck.Value == "" {
			unauthorized(w, http.StatusUnauthorized, "missing_session")
			return
		}
		claims, err := v.VerifySessionCookie(r.Context(), ck.Value)
		if err != nil {
			status, code := StatusFor(err)
			unauthorized(w, status, code)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func unauthorized(w http.ResponseWriter, status int, code string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
