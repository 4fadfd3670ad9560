// Package testing provides utilities for testing applications that verify
// identity tokens. TestIssuer plays the identity platform: it publishes its
// public keys in both key document formats and mints ID tokens and session
// cookies that validate against them, so integration tests run without
// network access.
//
// Example usage:
//
//	issuer := testing.NewTestIssuer("demo-project")
//	defer issuer.Close()
//
//	cfg.IDTokenCertsURL = issuer.CertsURL()
//	cfg.SessionCookieCertsURL = issuer.JWKSURL()
//
//	token := issuer.CreateIDToken("user-123", map[string]any{"email": "a@example.com"})
package testing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	"github.com/google/uuid"
)

const (
	certsPath = "/certs"
	jwksPath  = "/jwks.json"
)

type issuerKey struct {
	signer *jwtkit.RSASigner
	cert   string // PEM certificate wrapping the public key
}

// TestIssuer provides a mock identity platform for tests.
type TestIssuer struct {
	server    *httptest.Server
	projectID string
	clock     clock.Clock

	mu        sync.Mutex
	active    *issuerKey
	published []*issuerKey
	maxAge    time.Duration
	failing   bool

	certFetches atomic.Int64
	jwksFetches atomic.Int64
}

// NewTestIssuer creates a test issuer for projectID on the wall clock.
// Call Close() when done to shut down the test server.
func NewTestIssuer(projectID string) *TestIssuer {
	return NewTestIssuerWithClock(projectID, clock.NewClock())
}

// NewTestIssuerWithClock mints tokens and certificates relative to clk, so
// tests driving a fake clock get tokens that are valid at fake time.
func NewTestIssuerWithClock(projectID string, clk clock.Clock) *TestIssuer {
	ti := &TestIssuer{
		projectID: projectID,
		clock:     clk,
		maxAge:    time.Hour,
	}
	ti.active = ti.newKey()
	ti.published = []*issuerKey{ti.active}

	mux := http.NewServeMux()
	mux.HandleFunc(certsPath, ti.handleCerts)
	mux.HandleFunc(jwksPath, ti.handleJWKS)
	ti.server = httptest.NewServer(mux)
	return ti
}

func (ti *TestIssuer) newKey() *issuerKey {
	kid := uuid.NewString()
	signer, err := jwtkit.NewRSASigner(2048, kid)
	if err != nil {
		panic("failed to create RSA signer: " + err.Error())
	}
	return &issuerKey{signer: signer, cert: ti.selfSign(signer.PrivateKey())}
}

func (ti *TestIssuer) selfSign(key *rsa.PrivateKey) string {
	now := ti.clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "securetoken.system.gserviceaccount.com"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(7 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic("failed to create certificate: " + err.Error())
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// URL returns the base URL of the test issuer server.
func (ti *TestIssuer) URL() string { return ti.server.URL }

// CertsURL serves the key id to PEM certificate map used for ID tokens.
func (ti *TestIssuer) CertsURL() string { return ti.server.URL + certsPath }

// JWKSURL serves the JWK set used for session cookies.
func (ti *TestIssuer) JWKSURL() string { return ti.server.URL + jwksPath }

// ProjectID returns the project tokens are minted for.
func (ti *TestIssuer) ProjectID() string { return ti.projectID }

// Close shuts down the test server.
func (ti *TestIssuer) Close() {
	if ti.server != nil {
		ti.server.Close()
	}
}

// KeyID returns the id of the key new tokens are signed with.
func (ti *TestIssuer) KeyID() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.active.signer.KID()
}

// Fetches returns how many key documents have been requested, successful or not.
func (ti *TestIssuer) Fetches() int64 {
	return ti.certFetches.Load() + ti.jwksFetches.Load()
}

// SetFailing makes both endpoints answer 503 while true.
func (ti *TestIssuer) SetFailing(failing bool) {
	ti.mu.Lock()
	ti.failing = failing
	ti.mu.Unlock()
}

// SetMaxAge changes the Cache-Control max-age announced by the endpoints.
func (ti *TestIssuer) SetMaxAge(d time.Duration) {
	ti.mu.Lock()
	ti.maxAge = d
	ti.mu.Unlock()
}

// Rotate generates a new signing key and returns its id. With keepPrevious
// the old keys stay published, as the identity platform does during rotation.
func (ti *TestIssuer) Rotate(keepPrevious bool) string {
	k := ti.newKey()
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.active = k
	if keepPrevious {
		ti.published = append(ti.published, k)
	} else {
		ti.published = []*issuerKey{k}
	}
	return k.signer.KID()
}

// CertificateDocument returns the body served at CertsURL.
func (ti *TestIssuer) CertificateDocument() []byte {
	b, err := json.Marshal(ti.certificates())
	if err != nil {
		panic("failed to encode certificates: " + err.Error())
	}
	return b
}

// JWKSDocument returns the body served at JWKSURL.
func (ti *TestIssuer) JWKSDocument() []byte {
	b, err := json.Marshal(ti.jwks())
	if err != nil {
		panic("failed to encode jwks: " + err.Error())
	}
	return b
}

func (ti *TestIssuer) certificates() jwtkit.CertificateMap {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	out := make(jwtkit.CertificateMap, len(ti.published))
	for _, k := range ti.published {
		out[k.signer.KID()] = k.cert
	}
	return out
}

func (ti *TestIssuer) jwks() jwtkit.JWKS {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ks := jwtkit.JWKS{Keys: make([]jwtkit.JWK, 0, len(ti.published))}
	for _, k := range ti.published {
		ks.Keys = append(ks.Keys, jwtkit.RSAPublicToJWK(k.signer.PublicKey(), k.signer.KID(), k.signer.Algorithm()))
	}
	return ks
}

func (ti *TestIssuer) unavailable(w http.ResponseWriter) (time.Duration, bool) {
	ti.mu.Lock()
	failing, maxAge := ti.failing, ti.maxAge
	ti.mu.Unlock()
	if failing {
		http.Error(w, "key service unavailable", http.StatusServiceUnavailable)
		return 0, true
	}
	return maxAge, false
}

func (ti *TestIssuer) handleCerts(w http.ResponseWriter, r *http.Request) {
	ti.certFetches.Add(1)
	maxAge, down := ti.unavailable(w)
	if down {
		return
	}
	jwtkit.ServeCertificates(w, r, ti.certificates(), maxAge)
}

func (ti *TestIssuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	ti.jwksFetches.Add(1)
	maxAge, down := ti.unavailable(w)
	if down {
		return
	}
	jwtkit.ServeJWKS(w, r, ti.jwks(), maxAge)
}

// IDTokenClaims returns valid ID token claims for uid at the issuer's clock.
func (ti *TestIssuer) IDTokenClaims(uid string) *jwtkit.Claims {
	now := ti.clock.Now().Truncate(time.Second)
	authTime := now.Add(-time.Minute)
	return &jwtkit.Claims{
		Issuer:    jwtkit.IDTokenIssuerPrefix + ti.projectID,
		Audience:  ti.projectID,
		Subject:   uid,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		AuthTime:  &authTime,
		Extra: map[string]any{
			"firebase": map[string]any{"sign_in_provider": "custom"},
		},
	}
}

// SessionCookieClaims returns valid session cookie claims for uid.
func (ti *TestIssuer) SessionCookieClaims(uid string) *jwtkit.Claims {
	c := ti.IDTokenClaims(uid)
	c.Issuer = jwtkit.SessionCookieIssuerPrefix + ti.projectID
	c.ExpiresAt = c.IssuedAt.Add(14 * 24 * time.Hour)
	return c
}

// Sign signs claims with the active key.
func (ti *TestIssuer) Sign(claims *jwtkit.Claims) string {
	ti.mu.Lock()
	signer := ti.active.signer
	ti.mu.Unlock()
	token, err := jwtkit.Sign(claims, signer.PrivateKey(), signer.KID())
	if err != nil {
		panic("failed to sign token: " + err.Error())
	}
	return token
}

// SignUnpublished signs claims with a fresh key that is never published.
func (ti *TestIssuer) SignUnpublished(claims *jwtkit.Claims) string {
	k := ti.newKey()
	token, err := jwtkit.Sign(claims, k.signer.PrivateKey(), k.signer.KID())
	if err != nil {
		panic("failed to sign token: " + err.Error())
	}
	return token
}

// SignUnsigned encodes claims as an emulator-style token with alg "none".
func (ti *TestIssuer) SignUnsigned(claims *jwtkit.Claims) string {
	token, err := jwtkit.NoneSigner{}.Sign(context.Background(), claims.MapClaims())
	if err != nil {
		panic("failed to encode token: " + err.Error())
	}
	return token
}

// CreateIDToken creates a valid ID token with extra claims merged in.
func (ti *TestIssuer) CreateIDToken(uid string, extra map[string]any) string {
	return ti.Sign(withExtra(ti.IDTokenClaims(uid), extra))
}

// CreateSessionCookie creates a valid session cookie with extra claims merged in.
func (ti *TestIssuer) CreateSessionCookie(uid string, extra map[string]any) string {
	return ti.Sign(withExtra(ti.SessionCookieClaims(uid), extra))
}

// CreateExpiredIDToken creates an ID token that expired an hour ago.
func (ti *TestIssuer) CreateExpiredIDToken(uid string) string {
	c := ti.IDTokenClaims(uid)
	c.IssuedAt = c.IssuedAt.Add(-2 * time.Hour)
	c.ExpiresAt = c.IssuedAt.Add(time.Hour)
	return ti.Sign(c)
}

func withExtra(c *jwtkit.Claims, extra map[string]any) *jwtkit.Claims {
	for k, v := range extra {
		c.Extra[k] = v
	}
	return c
}
