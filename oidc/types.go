package oidckit

import (
	"strings"
	"time"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
)

// Identity is the user profile carried in verified claims.
type Identity struct {
	UID            string
	Email          string
	EmailVerified  *bool
	Name           string
	Picture        string
	PhoneNumber    string
	SignInProvider string
	Tenant         string
	AuthTime       *time.Time
}

// IdentityFromClaims extracts the profile fields. Missing or mistyped claims
// are left empty.
func IdentityFromClaims(c *jwtkit.Claims) Identity {
	if c == nil {
		return Identity{}
	}
	id := Identity{
		UID:         c.Subject,
		Email:       c.String("email"),
		Name:        c.String("name"),
		Picture:     c.String("picture"),
		PhoneNumber: c.String("phone_number"),
		AuthTime:    c.AuthTime,
	}
	if raw, ok := c.Get("email_verified"); ok {
		switch v := raw.(type) {
		case bool:
			id.EmailVerified = &v
		case string:
			if strings.EqualFold(v, "true") {
				b := true
				id.EmailVerified = &b
			} else if strings.EqualFold(v, "false") {
				b := false
				id.EmailVerified = &b
			}
		}
	}
	if fb, ok := c.Get("firebase"); ok {
		if m, ok := fb.(map[string]any); ok {
			id.SignInProvider, _ = m["sign_in_provider"].(string)
			id.Tenant, _ = m["tenant"].(string)
		}
	}
	return id
}
