package oidckit

import (
	"errors"
	"fmt"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	"github.com/PaulFidika/tokenkit/keycache"
)

var (
	// ErrMalformed and ErrSignatureInvalid are shared with jwtkit so either
	// package's sentinel matches.
	ErrMalformed        = jwtkit.ErrMalformed
	ErrSignatureInvalid = jwtkit.ErrSignatureInvalid

	ErrUnsupportedAlgorithm = errors.New("oidc: unsupported algorithm")
	ErrKeyLookup            = errors.New("oidc: signing key lookup failed")
	ErrClaimRejected        = errors.New("oidc: claim rejected")
)

// KeyLookupError wraps a key cache failure for the token's kid.
type KeyLookupError struct {
	KeyID string
	Err   error
}

func (e *KeyLookupError) Error() string {
	return fmt.Sprintf("oidc: signing key %q: %v", e.KeyID, e.Err)
}

func (e *KeyLookupError) Unwrap() error { return e.Err }

func (e *KeyLookupError) Is(target error) bool { return target == ErrKeyLookup }

// Reason names the claim rule a token failed. Reasons are meant for logs and
// metrics, not for branching.
type Reason string

const (
	ReasonIssuer           Reason = "issuer"
	ReasonAudience         Reason = "audience"
	ReasonExpired          Reason = "expired"
	ReasonIssuedAtMissing  Reason = "issued_at_missing"
	ReasonIssuedInFuture   Reason = "issued_in_future"
	ReasonAuthTimeMissing  Reason = "auth_time_missing"
	ReasonAuthTimeInFuture Reason = "auth_time_in_future"
	ReasonSubject          Reason = "subject"
	ReasonSubjectTooLong   Reason = "subject_too_long"
)

// ClaimError reports the first claim rule a token failed.
type ClaimError struct {
	Reason Reason
	Detail string
}

func (e *ClaimError) Error() string {
	if e.Detail == "" {
		return "oidc: claim rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("oidc: claim rejected: %s: %s", e.Reason, e.Detail)
}

func (e *ClaimError) Is(target error) bool { return target == ErrClaimRejected }

// IsUnavailable reports whether err came from the key service being
// unreachable rather than from the token itself. Callers answer 503 for
// these and 401 for everything else.
func IsUnavailable(err error) bool {
	return errors.Is(err, keycache.ErrFetch)
}

// ReasonOf extracts the claim rejection reason, if any.
func ReasonOf(err error) (Reason, bool) {
	var ce *ClaimError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
