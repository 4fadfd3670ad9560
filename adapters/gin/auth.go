package authgin

import (
	"net/http"

	authhttp "github.com/PaulFidika/tokenkit/adapters/http"
	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

// AuthRequired aborts with 401 (or 503 during a key service outage) unless
// the request carries a valid bearer ID token.
func AuthRequired(v authhttp.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := authhttp.BearerToken(c.Request)
		if raw == "" {
			abort(c, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := v.VerifyIDToken(c.Request.Context(), raw)
		if err != nil {
			_ = c.Error(err)
			status, code := authhttp.StatusFor(err)
			abort(c, status, code)
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

// AuthOptional verifies a bearer ID token when one is present. Invalid
// tokens are ignored and the request continues unauthenticated.
func AuthOptional(v authhttp.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := authhttp.BearerToken(c.Request); raw != "" {
			if claims, err := v.VerifyIDToken(c.Request.Context(), raw); err == nil {
				setClaims(c, claims)
			} else {
				_ = c.Error(err)
			}
		}
		c.Next()
	}
}

// SessionRequired verifies the session cookie named cookieName
// (authhttp.DefaultSessionCookie when empty).
func SessionRequired(v authhttp.TokenVerifier, cookieName string) gin.HandlerFunc {
	if cookieName == "" {
		cookieName = authhttp.DefaultSessionCookie
	}
	return func(c *gin.Context) {
		raw, err := c.Cookie(cookieName)
		if err != nil || raw == "" {
			abort(c, http.StatusUnauthorized, "missing_session")
			return
		}
		claims, err := v.VerifySessionCookie(c.Request.Context(), raw)
		if err != nil {
			_ = c.Error(err)
			status, code := authhttp.StatusFor(err)
			abort(c, status, code)
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

// ClaimsFromGin returns the claims set by the middleware.
func ClaimsFromGin(c *gin.Context) (*jwtkit.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	cl, ok := v.(*jwtkit.Claims)
	return cl, ok && cl != nil
}

func setClaims(c *gin.Context, claims *jwtkit.Claims) {
	c.Set(claimsKey, claims)
	c.Request = c.Request.WithContext(authhttp.WithClaims(c.Request.Context(), claims))
}

func abort(c *gin.Context, status int, code string) {
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer error="`+code+`"`)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
