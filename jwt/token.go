package jwtkit

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed reports a token that is not a well-formed compact JWS.
	ErrMalformed = errors.New("jwtkit: malformed token")
	// ErrSignatureInvalid reports a signature that does not match the key.
	ErrSignatureInvalid = errors.New("jwtkit: invalid signature")
	// ErrSigning reports a failure to produce a signed token.
	ErrSigning = errors.New("jwtkit: signing failed")
)

// AlgRS256 is the only algorithm the identity platform signs with.
const AlgRS256 = "RS256"

// AlgNone marks unsigned tokens as produced by the auth emulator.
const AlgNone = "none"

// segments are decoded with the same rules golang-jwt applies (unpadded base64url).
var segmentParser = jwt.NewParser()

// Header is the decoded JOSE header of a token.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid,omitempty"`
	Type      string `json:"typ,omitempty"`
}

// Token is a parsed, not yet verified, three-segment token.
type Token struct {
	Raw       string
	Header    Header
	Payload   []byte
	Signature []byte

	signingInput string
}

// Parse splits raw into header, payload and signature and decodes them.
// The payload is kept as bytes; call Claims to decode it.
func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: empty segment", ErrMalformed)
	}
	hb, err := segmentParser.DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if h.Algorithm == "" {
		return nil, fmt.Errorf("%w: header missing alg", ErrMalformed)
	}
	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	sig, err := segmentParser.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	return &Token{
		Raw:          raw,
		Header:       h,
		Payload:      payload,
		Signature:    sig,
		signingInput: raw[:len(parts[0])+1+len(parts[1])],
	}, nil
}

// SigningInput returns the "header.payload" bytes the signature covers.
func (t *Token) SigningInput() string { return t.signingInput }

// VerifySignature checks the RS256 signature against pub.
func (t *Token) VerifySignature(pub *rsa.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("%w: no public key", ErrSignatureInvalid)
	}
	if len(t.Signature) == 0 {
		return fmt.Errorf("%w: empty signature", ErrSignatureInvalid)
	}
	if err := jwt.SigningMethodRS256.Verify(t.signingInput, t.Signature, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// Claims decodes the payload.
func (t *Token) Claims() (*Claims, error) {
	var c Claims
	if err := json.Unmarshal(t.Payload, &c); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return &c, nil
}
