package oidckit

import (
	"os"
	"strings"
	"time"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
)

// Public key documents of the identity platform.
const (
	IDTokenCertsURL       = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	SessionCookieCertsURL = "https://www.googleapis.com/identitytoolkit/v3/relyingparty/publicKeys"
)

// EnvEmulatorHost selects emulator mode when set.
const EnvEmulatorHost = "FIREBASE_AUTH_EMULATOR_HOST"

// DefaultEmulatorProjectID is used in emulator mode when no project is configured.
const DefaultEmulatorProjectID = "demo-firebase-project"

// TokenKind distinguishes the two token formats the platform issues.
type TokenKind int

const (
	IDToken TokenKind = iota
	SessionCookie
)

func (k TokenKind) String() string {
	switch k {
	case IDToken:
		return "id_token"
	case SessionCookie:
		return "session_cookie"
	default:
		return "unknown"
	}
}

// Defaults describes where a token kind's keys live and who issues it.
type Defaults struct {
	IssuerPrefix string
	CertsURL     string
}

// DefaultsFor returns the platform defaults for kind.
func DefaultsFor(kind TokenKind) (Defaults, bool) {
	switch kind {
	case IDToken:
		return Defaults{IssuerPrefix: jwtkit.IDTokenIssuerPrefix, CertsURL: IDTokenCertsURL}, true
	case SessionCookie:
		return Defaults{IssuerPrefix: jwtkit.SessionCookieIssuerPrefix, CertsURL: SessionCookieCertsURL}, true
	default:
		return Defaults{}, false
	}
}

// VerificationContext is built once per application and shared read-only by
// every verification.
type VerificationContext struct {
	ProjectID string
	Kind      TokenKind
	// Skew is tolerated on every time comparison.
	Skew time.Duration
	// Emulator accepts unsigned tokens and skips key lookup.
	Emulator bool
}

// Issuer is the exact iss value tokens of this kind must carry.
func (vc VerificationContext) Issuer() string {
	d, _ := DefaultsFor(vc.Kind)
	return d.IssuerPrefix + vc.ProjectID
}

// EmulatorFromEnv reports whether the auth emulator is configured.
func EmulatorFromEnv() bool {
	return strings.TrimSpace(os.Getenv(EnvEmulatorHost)) != ""
}
