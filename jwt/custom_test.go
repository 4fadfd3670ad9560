package jwtkit

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
)

const testEmail = "svc@demo-project.iam.gserviceaccount.com"

func TestCreateCustomToken(t *testing.T) {
	signer := NewRSASignerFromKey("sa-key", mustKey(t))
	now := time.Unix(1_700_000_000, 0)
	s := NewCustomTokenSigner(signer, testEmail, fakeclock.NewFakeClock(now))

	raw, err := s.CreateCustomToken(context.Background(), "abc", map[string]any{"role": "admin"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := tok.VerifySignature(signer.PublicKey()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tok.Header.KeyID != "sa-key" {
		t.Errorf("kid = %q", tok.Header.KeyID)
	}
	c, err := tok.Claims()
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if c.Audience != FirebaseAudience {
		t.Errorf("aud = %q", c.Audience)
	}
	if c.Issuer != testEmail || c.Subject != testEmail {
		t.Errorf("iss/sub = %q/%q", c.Issuer, c.Subject)
	}
	if c.String("uid") != "abc" {
		t.Errorf("uid = %q", c.String("uid"))
	}
	if got := c.ExpiresAt.Sub(c.IssuedAt); got != time.Hour {
		t.Errorf("ttl = %v", got)
	}
	dev, _ := c.Get("claims")
	if m, _ := dev.(map[string]any); m["role"] != "admin" {
		t.Errorf("developer claims = %v", dev)
	}
}

func TestCreateCustomToken_Validation(t *testing.T) {
	s := NewCustomTokenSigner(NewRSASignerFromKey("k", mustKey(t)), testEmail, nil)
	ctx := context.Background()

	if _, err := s.CreateCustomToken(ctx, "", nil); !errors.Is(err, ErrInvalidUID) {
		t.Errorf("empty uid: %v", err)
	}
	if _, err := s.CreateCustomToken(ctx, strings.Repeat("u", 129), nil); !errors.Is(err, ErrInvalidUID) {
		t.Errorf("long uid: %v", err)
	}
	if _, err := s.CreateCustomToken(ctx, "abc", map[string]any{"sub": "x"}); !errors.Is(err, ErrReservedClaim) {
		t.Errorf("reserved claim: %v", err)
	}
	if _, err := NewCustomTokenSigner(nil, testEmail, nil).CreateCustomToken(ctx, "abc", nil); !errors.Is(err, ErrSigning) {
		t.Errorf("nil signer: %v", err)
	}
}

func TestCreateCustomToken_Emulator(t *testing.T) {
	s := NewCustomTokenSigner(NoneSigner{}, EmulatorServiceAccount, nil)
	raw, err := s.CreateCustomToken(context.Background(), "abc", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok.Header.Algorithm != AlgNone || len(tok.Signature) != 0 {
		t.Fatalf("expected unsigned token, got alg=%q sig=%d bytes", tok.Header.Algorithm, len(tok.Signature))
	}
	c, _ := tok.Claims()
	if _, ok := c.Get("claims"); ok {
		t.Errorf("empty developer claims should be omitted")
	}
}

func TestParseServiceAccount(t *testing.T) {
	key := mustKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	doc, _ := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "demo-project",
		"private_key_id": "sa-key-1",
		"private_key":    string(pemKey),
		"client_email":   testEmail,
		"client_id":      "1234",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})

	sa, err := ParseServiceAccount(context.Background(), doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sa.ProjectID != "demo-project" || sa.ClientEmail != testEmail || sa.PrivateKeyID != "sa-key-1" {
		t.Fatalf("unexpected account: %+v", sa)
	}
	signer, err := sa.Signer()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.KID() != "sa-key-1" || signer.PublicKey().N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("signer does not wrap the account key")
	}
}

func TestLoadServiceAccount_Unset(t *testing.T) {
	t.Setenv(EnvServiceAccountJSON, "")
	t.Setenv(EnvCredentialsFile, "")
	sa, err := LoadServiceAccount(context.Background())
	if err != nil || sa != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", sa, err)
	}
}

func TestLoadServiceAccount_BadInline(t *testing.T) {
	t.Setenv(EnvServiceAccountJSON, `{"type":"service_account"}`)
	if _, err := LoadServiceAccount(context.Background()); err == nil {
		t.Fatal("expected error for incomplete inline key")
	}
}
