package core

import (
	"context"
)

// VerificationLogger records verification outcomes to an external sink.
// Implementations should be non-blocking and best-effort; errors are only logged.
type VerificationLogger interface {
	LogVerification(ctx context.Context, event VerificationEvent) error
}

// VerificationEvent describes one verification. UID is empty on failure and
// Reason holds the claim rule that rejected the token, if any.
type VerificationEvent struct {
	Kind        string
	ProjectID   string
	UID         string
	OK          bool
	Unavailable bool
	Reason      string
	Err         error
}
