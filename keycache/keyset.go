package keycache

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// SigningKey is one public key published by the issuer. Immutable.
type SigningKey struct {
	KeyID      string
	Algorithm  string
	PublicKey  *rsa.PublicKey
	InsertedAt time.Time
}

// KeySet is an immutable snapshot of the keys returned by one fetch.
// The cache replaces it wholesale; nothing mutates a published KeySet.
type KeySet struct {
	Keys      map[string]*SigningKey
	Source    string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the set may be served without a refresh.
func (s *KeySet) Fresh(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Lookup returns the key with the given id.
func (s *KeySet) Lookup(kid string) (*SigningKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.Keys[kid]
	return k, ok
}

// KeyIDs returns the key ids in the set, sorted.
func (s *KeySet) KeyIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Keys))
	for kid := range s.Keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

var errNoUsableKeys = errors.New("key document contains no usable RS256 keys")

// ParseKeySet decodes a key document. Two formats are accepted: a JWK set
// ({"keys": [...]}) and a map of key id to PEM certificate or public key.
// Keys that are not RSA signature keys are skipped and reported in skipped.
func ParseKeySet(body []byte, now time.Time) (keys map[string]*SigningKey, skipped []string, err error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode key document: %w", err)
	}
	if raw, ok := probe["keys"]; ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		keys, skipped, err = parseJWKSet(body, now)
	} else {
		keys, skipped, err = parseCertificateMap(probe, now)
	}
	if err != nil {
		return nil, skipped, err
	}
	if len(keys) == 0 {
		return nil, skipped, errNoUsableKeys
	}
	return keys, skipped, nil
}

func parseJWKSet(body []byte, now time.Time) (map[string]*SigningKey, []string, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parse jwk set: %w", err)
	}
	keys := make(map[string]*SigningKey, set.Len())
	var skipped []string
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := key.KeyID()
		if kid == "" || key.KeyType() != jwa.RSA {
			skipped = append(skipped, kid)
			continue
		}
		if alg := key.Algorithm().String(); alg != "" && alg != jwtkit.AlgRS256 {
			skipped = append(skipped, kid)
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "sig" {
			skipped = append(skipped, kid)
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			skipped = append(skipped, kid)
			continue
		}
		pub, ok := raw.(*rsa.PublicKey)
		if !ok {
			skipped = append(skipped, kid)
			continue
		}
		if _, dup := keys[kid]; dup {
			skipped = append(skipped, kid)
			continue
		}
		keys[kid] = &SigningKey{KeyID: kid, Algorithm: jwtkit.AlgRS256, PublicKey: pub, InsertedAt: now}
	}
	return keys, skipped, nil
}

func parseCertificateMap(doc map[string]json.RawMessage, now time.Time) (map[string]*SigningKey, []string, error) {
	keys := make(map[string]*SigningKey, len(doc))
	var skipped []string
	for kid, raw := range doc {
		var pemStr string
		if err := json.Unmarshal(raw, &pemStr); err != nil {
			skipped = append(skipped, kid)
			continue
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemStr))
		if err != nil {
			skipped = append(skipped, kid)
			continue
		}
		keys[kid] = &SigningKey{KeyID: kid, Algorithm: jwtkit.AlgRS256, PublicKey: pub, InsertedAt: now}
	}
	sort.Strings(skipped)
	return keys, skipped, nil
}
