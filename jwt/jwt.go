package jwtkit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Signer issues signed tokens.
type Signer interface {
	// Algorithm returns the JWS algorithm (RS256, or none for the emulator).
	Algorithm() string
	// KID returns current key id.
	KID() string
	// Sign creates a signed JWT with provided claims.
	Sign(ctx context.Context, claims jwt.MapClaims) (token string, err error)
}

// RSASigner signs RS256 tokens with an in-memory private key.
type RSASigner struct {
	key *rsa.PrivateKey
	kid string
}

func NewRSASigner(bits int, kid string) (*RSASigner, error) {
	if bits == 0 {
		bits = 2048
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &RSASigner{key: k, kid: kid}, nil
}

// NewRSASignerFromKey wraps an existing private key.
func NewRSASignerFromKey(kid string, key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{key: key, kid: kid}
}

func (s *RSASigner) Algorithm() string           { return jwt.SigningMethodRS256.Alg() }
func (s *RSASigner) KID() string                 { return s.kid }
func (s *RSASigner) PublicKey() *rsa.PublicKey   { return &s.key.PublicKey }
func (s *RSASigner) PrivateKey() *rsa.PrivateKey { return s.key }

func (s *RSASigner) Sign(_ context.Context, claims jwt.MapClaims) (string, error) {
	return signMap(claims, s.key, s.kid)
}

// Sign encodes claims, signs them with key using RS256 and returns the
// three-segment token. kid is placed in the header when non-empty.
func Sign(claims *Claims, key *rsa.PrivateKey, kid string) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("%w: nil claims", ErrSigning)
	}
	if key == nil {
		return "", fmt.Errorf("%w: nil private key", ErrSigning)
	}
	return signMap(claims.MapClaims(), key, kid)
}

func signMap(claims jwt.MapClaims, key *rsa.PrivateKey, kid string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return s, nil
}

// NoneSigner produces unsigned tokens ("alg": "none") the auth emulator accepts.
type NoneSigner struct{}

func (NoneSigner) Algorithm() string { return AlgNone }
func (NoneSigner) KID() string       { return "" }

func (NoneSigner) Sign(_ context.Context, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return s, nil
}

// NewRSASignerFromPEM constructs an RSASigner from a PEM-encoded private key.
func NewRSASignerFromPEM(kid string, pemBytes []byte) (*RSASigner, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("empty RSA private key pem")
	}
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return nil, errors.New("failed to decode RSA private key pem")
	}
	var parsed *rsa.PrivateKey
	var err error
	switch blk.Type {
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(blk.Bytes)
	default:
		var key any
		key, err = x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err == nil {
			var ok bool
			if parsed, ok = key.(*rsa.PrivateKey); !ok {
				err = errors.New("pkcs8 key is not RSA private key")
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &RSASigner{key: parsed, kid: kid}, nil
}
