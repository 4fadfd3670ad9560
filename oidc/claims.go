package oidckit

import (
	"fmt"
	"time"
	"unicode/utf8"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
)

const maxSubjectLength = 128

// CheckClaims applies the issuer, audience, time-window and subject rules
// for vc.Kind. Rules run in a fixed order and the first failure is returned
// as a *ClaimError. It has no side effects.
func CheckClaims(c *jwtkit.Claims, vc VerificationContext, now time.Time) error {
	if c == nil {
		return &ClaimError{Reason: ReasonSubject, Detail: "no claims"}
	}
	if want := vc.Issuer(); c.Issuer != want {
		return &ClaimError{Reason: ReasonIssuer, Detail: fmt.Sprintf("got %q, want %q", c.Issuer, want)}
	}
	if c.Audience != vc.ProjectID {
		return &ClaimError{Reason: ReasonAudience, Detail: fmt.Sprintf("got %q, want %q", c.Audience, vc.ProjectID)}
	}

	earliest := now.Add(-vc.Skew)
	latest := now.Add(vc.Skew)

	if c.ExpiresAt.IsZero() || !c.ExpiresAt.After(earliest) {
		return &ClaimError{Reason: ReasonExpired, Detail: expiredDetail(c.ExpiresAt)}
	}
	if c.IssuedAt.IsZero() {
		return &ClaimError{Reason: ReasonIssuedAtMissing}
	}
	if c.IssuedAt.After(latest) {
		return &ClaimError{Reason: ReasonIssuedInFuture, Detail: "iat " + c.IssuedAt.UTC().Format(time.RFC3339)}
	}

	switch {
	case c.AuthTime == nil && vc.Kind == SessionCookie:
		return &ClaimError{Reason: ReasonAuthTimeMissing}
	case c.AuthTime != nil && c.AuthTime.After(latest):
		return &ClaimError{Reason: ReasonAuthTimeInFuture, Detail: "auth_time " + c.AuthTime.UTC().Format(time.RFC3339)}
	}

	if c.Subject == "" {
		return &ClaimError{Reason: ReasonSubject, Detail: "empty sub"}
	}
	if utf8.RuneCountInString(c.Subject) > maxSubjectLength {
		return &ClaimError{Reason: ReasonSubjectTooLong}
	}
	return nil
}

func expiredDetail(exp time.Time) string {
	if exp.IsZero() {
		return "missing exp"
	}
	return "exp " + exp.UTC().Format(time.RFC3339)
}
