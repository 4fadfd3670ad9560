package authgin

import (
	oidckit "github.com/PaulFidika/tokenkit/oidc"
	"github.com/gin-gonic/gin"
)

// UserView is a handler-friendly view of the verified caller.
type UserView struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email,omitempty"`
	EmailVerified  *bool  `json:"email_verified,omitempty"`
	Name           string `json:"name,omitempty"`
	SignInProvider string `json:"sign_in_provider,omitempty"`
	Tenant         string `json:"tenant,omitempty"`

	// Meta
	Source string `json:"source"` // "claims" | "none"
}

// CurrentUser returns the caller set by AuthRequired, AuthOptional or
// SessionRequired. ok is false for unauthenticated requests.
func CurrentUser(c *gin.Context) (UserView, bool) {
	cl, ok := ClaimsFromGin(c)
	if !ok || cl.Subject == "" {
		return UserView{Source: "none"}, false
	}
	id := oidckit.IdentityFromClaims(cl)
	return UserView{
		UserID:         id.UID,
		Email:          id.Email,
		EmailVerified:  id.EmailVerified,
		Name:           id.Name,
		SignInProvider: id.SignInProvider,
		Tenant:         id.Tenant,
		Source:         "claims",
	}, true
}
