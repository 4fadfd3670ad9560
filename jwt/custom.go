package jwtkit

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"code.cloudfoundry.org/clock"
	jwt "github.com/golang-jwt/jwt/v5"
)

// FirebaseAudience is the audience every custom token is minted for.
const FirebaseAudience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

// Issuer prefixes; the project id is appended.
const (
	IDTokenIssuerPrefix       = "https://securetoken.google.com/"
	SessionCookieIssuerPrefix = "https://session.firebase.google.com/"
)

// EmulatorServiceAccount is the issuer the auth emulator expects on unsigned custom tokens.
const EmulatorServiceAccount = "firebase-auth-emulator@example.com"

const (
	customTokenTTL = time.Hour
	maxUIDLength   = 128
)

var (
	ErrInvalidUID    = errors.New("jwtkit: uid must be 1-128 characters")
	ErrReservedClaim = errors.New("jwtkit: developer claim uses a reserved name")
)

var reservedDeveloperClaims = []string{
	"acr", "amr", "at_hash", "aud", "auth_time", "azp", "cnf", "c_hash",
	"exp", "firebase", "iat", "iss", "jti", "nbf", "nonce", "sub",
}

// CustomTokenSigner mints custom authentication tokens on behalf of a
// service account. It never consults a key cache.
type CustomTokenSigner struct {
	signer Signer
	email  string
	clock  clock.Clock
}

// NewCustomTokenSigner builds a signer. A nil clock uses the wall clock.
func NewCustomTokenSigner(signer Signer, serviceAccountEmail string, clk clock.Clock) *CustomTokenSigner {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &CustomTokenSigner{signer: signer, email: serviceAccountEmail, clock: clk}
}

// CreateCustomToken returns a token the client SDKs exchange for an ID token.
func (s *CustomTokenSigner) CreateCustomToken(ctx context.Context, uid string, developerClaims map[string]any) (string, error) {
	if s == nil || s.signer == nil {
		return "", fmt.Errorf("%w: no signer configured", ErrSigning)
	}
	if s.email == "" {
		return "", fmt.Errorf("%w: service account email is empty", ErrSigning)
	}
	if uid == "" || utf8.RuneCountInString(uid) > maxUIDLength {
		return "", ErrInvalidUID
	}
	for _, name := range reservedDeveloperClaims {
		if _, ok := developerClaims[name]; ok {
			return "", fmt.Errorf("%w: %q", ErrReservedClaim, name)
		}
	}

	now := s.clock.Now()
	claims := jwt.MapClaims{
		"iss": s.email,
		"sub": s.email,
		"aud": FirebaseAudience,
		"iat": now.Unix(),
		"exp": now.Add(customTokenTTL).Unix(),
		"uid": uid,
	}
	if len(developerClaims) > 0 {
		claims["claims"] = developerClaims
	}
	return s.signer.Sign(ctx, claims)
}
