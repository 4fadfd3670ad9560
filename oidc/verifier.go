package oidckit

import (
	"context"
	"errors"
	"fmt"

	"code.cloudfoundry.org/clock"
	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	"github.com/PaulFidika/tokenkit/keycache"
	"github.com/sirupsen/logrus"
)

// KeySource resolves key ids to public keys. *keycache.Cache implements it.
type KeySource interface {
	Get(ctx context.Context, kid string) (*keycache.SigningKey, error)
}

// Verifier validates ID tokens or session cookies of one kind for one project.
type Verifier struct {
	vc    VerificationContext
	keys  KeySource
	clock clock.Clock
	log   logrus.FieldLogger
}

// VerifierOpt configures a Verifier.
type VerifierOpt func(*Verifier)

// WithClock sets the clock used for time-window checks.
func WithClock(c clock.Clock) VerifierOpt {
	return func(v *Verifier) {
		if c != nil {
			v.clock = c
		}
	}
}

// WithLogger sets the logger rejections are reported to.
func WithLogger(l logrus.FieldLogger) VerifierOpt {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// NewVerifier builds a verifier. keys may be nil in emulator mode.
func NewVerifier(vc VerificationContext, keys KeySource, opts ...VerifierOpt) *Verifier {
	v := &Verifier{
		vc:    vc,
		keys:  keys,
		clock: clock.NewClock(),
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.WithFields(logrus.Fields{"component": "oidc.verifier", "kind": vc.Kind.String()})
	return v
}

// Context returns the verification context.
func (v *Verifier) Context() VerificationContext { return v.vc }

// Verify checks raw end to end and returns its claims. The claims are only
// returned when every check passed.
func (v *Verifier) Verify(ctx context.Context, raw string) (*jwtkit.Claims, error) {
	if v == nil {
		return nil, errors.New("oidc: missing verifier")
	}
	tok, err := jwtkit.Parse(raw)
	if err != nil {
		return nil, v.reject(err)
	}

	alg := tok.Header.Algorithm
	switch {
	case alg == jwtkit.AlgRS256:
	case alg == jwtkit.AlgNone && v.vc.Emulator:
	default:
		return nil, v.reject(fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg))
	}

	if !v.vc.Emulator {
		if err := v.verifySignature(ctx, tok); err != nil {
			return nil, v.reject(err)
		}
	}

	claims, err := tok.Claims()
	if err != nil {
		return nil, v.reject(err)
	}
	if err := CheckClaims(claims, v.vc, v.clock.Now()); err != nil {
		return nil, v.reject(err)
	}
	return claims, nil
}

func (v *Verifier) verifySignature(ctx context.Context, tok *jwtkit.Token) error {
	kid := tok.Header.KeyID
	if kid == "" {
		return &KeyLookupError{Err: fmt.Errorf("%w: token has no kid", keycache.ErrKeyNotFound)}
	}
	if v.keys == nil {
		return &KeyLookupError{KeyID: kid, Err: errors.New("no key source configured")}
	}
	key, err := v.keys.Get(ctx, kid)
	if err != nil {
		return &KeyLookupError{KeyID: kid, Err: err}
	}
	return tok.VerifySignature(key.PublicKey)
}

// reject logs a failed verification without the token and returns err.
func (v *Verifier) reject(err error) error {
	entry := v.log.WithError(err)
	if reason, ok := ReasonOf(err); ok {
		entry = entry.WithField("reason", string(reason))
	}
	if IsUnavailable(err) {
		entry.Warn("token verification failed: key service unavailable")
	} else {
		entry.Debug("token rejected")
	}
	return err
}
