package jwtkit

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// DefaultPublishMaxAge is the Cache-Control max-age used when publishing keys.
const DefaultPublishMaxAge = 5 * time.Minute

// JWK minimal fields for RSA public keys.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"` // base64url
	E   string `json:"e"` // base64url
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// CertificateMap is the key document format of the identity platform:
// key id to PEM-encoded X.509 certificate.
type CertificateMap map[string]string

// RSAPublicToJWK converts an RSA public key to a JWK.
func RSAPublicToJWK(pub *rsa.PublicKey, kid, alg string) JWK {
	n := base64URLEncode(pub.N)
	e := base64URLEncode(big.NewInt(int64(pub.E)))
	return JWK{Kty: "RSA", Use: "sig", Kid: kid, Alg: alg, N: n, E: e}
}

// ServeJWKS writes JWKS JSON to the ResponseWriter.
func ServeJWKS(w http.ResponseWriter, r *http.Request, ks JWKS, maxAge time.Duration) {
	serveKeyDocument(w, r, ks, maxAge)
}

// ServeCertificates writes a certificate map to the ResponseWriter.
func ServeCertificates(w http.ResponseWriter, r *http.Request, certs CertificateMap, maxAge time.Duration) {
	serveKeyDocument(w, r, certs, maxAge)
}

func serveKeyDocument(w http.ResponseWriter, r *http.Request, doc any, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = DefaultPublishMaxAge
	}
	// Marshal first to compute a stable ETag and set cache headers
	b, err := json.Marshal(doc)
	if err != nil {
		http.Error(w, "failed to encode key document", http.StatusInternalServerError)
		return
	}
	sum := sha256.Sum256(b)
	etag := "\"" + hex.EncodeToString(sum[:]) + "\""

	// Conditional GET support
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, must-revalidate", int(maxAge.Seconds())))
	w.Header().Set("ETag", etag)
	_, _ = w.Write(b)
}

func base64URLEncode(i *big.Int) string {
	b := i.Bytes()
	// Remove leading zeros for canonical form
	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
