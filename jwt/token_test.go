package jwtkit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func sampleClaims() *Claims {
	now := time.Unix(1_700_000_000, 0)
	return &Claims{
		Issuer:    "https://securetoken.google.com/demo",
		Audience:  "demo",
		Subject:   "abc",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Extra:     map[string]any{"role": "admin", "level": float64(3), "beta": true},
	}
}

func TestSignParseVerify(t *testing.T) {
	key := mustKey(t)
	raw, err := Sign(sampleClaims(), key, "kid-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok.Header.Algorithm != AlgRS256 || tok.Header.KeyID != "kid-1" {
		t.Fatalf("unexpected header: %+v", tok.Header)
	}
	if err := tok.VerifySignature(&key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}

	c, err := tok.Claims()
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	want := sampleClaims()
	if c.Subject != want.Subject || c.Issuer != want.Issuer || c.Audience != want.Audience {
		t.Fatalf("registered claims mismatch: %+v", c)
	}
	if !c.IssuedAt.Equal(want.IssuedAt) || !c.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("time claims mismatch: iat=%v exp=%v", c.IssuedAt, c.ExpiresAt)
	}
	if c.AuthTime != nil {
		t.Fatalf("auth_time should be absent")
	}
	if c.String("role") != "admin" {
		t.Errorf("role = %q", c.String("role"))
	}
	if v, _ := c.Get("level"); v != json.Number("3") {
		t.Errorf("level = %v", v)
	}
	if v, _ := c.Get("beta"); v != true {
		t.Errorf("beta = %v", v)
	}
	if _, ok := c.Get("iss"); ok {
		t.Errorf("registered claims must not leak into Extra")
	}
}

func TestVerifySignature_TamperedByte(t *testing.T) {
	key := mustKey(t)
	raw, err := Sign(sampleClaims(), key, "kid-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := range tok.Signature {
		tok.Signature[i] ^= 0x01
		if err := tok.VerifySignature(&key.PublicKey); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("byte %d: expected ErrSignatureInvalid, got %v", i, err)
		}
		tok.Signature[i] ^= 0x01
	}
	if err := tok.VerifySignature(&key.PublicKey); err != nil {
		t.Fatalf("restored signature should verify: %v", err)
	}
}

func TestVerifySignature_WrongKey(t *testing.T) {
	raw, err := Sign(sampleClaims(), mustKey(t), "kid-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tok, _ := Parse(raw)
	if err := tok.VerifySignature(&mustKey(t).PublicKey); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString
	cases := map[string]string{
		"empty":           "",
		"two segments":    "a.b",
		"four segments":   "a.b.c.d",
		"bad base64":      "!!!." + enc([]byte(`{}`)) + ".sig",
		"header not json": enc([]byte("nope")) + "." + enc([]byte(`{}`)) + ".",
		"missing alg":     enc([]byte(`{"kid":"x"}`)) + "." + enc([]byte(`{}`)) + ".",
		"empty payload":   enc([]byte(`{"alg":"RS256"}`)) + ".." + enc([]byte("sig")),
		"bad signature":   enc([]byte(`{"alg":"RS256"}`)) + "." + enc([]byte(`{}`)) + ".***",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(raw); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestClaims_PayloadNotObject(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString
	raw := enc([]byte(`{"alg":"RS256"}`)) + "." + enc([]byte(`[1,2]`)) + "." + enc([]byte("sig"))
	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := tok.Claims(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNoneSigner_Unsigned(t *testing.T) {
	raw, err := NoneSigner{}.Sign(context.Background(), sampleClaims().MapClaims())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasSuffix(raw, ".") {
		t.Fatalf("unsigned token should end with an empty signature segment: %s", raw)
	}
	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok.Header.Algorithm != AlgNone {
		t.Fatalf("alg = %q", tok.Header.Algorithm)
	}
	if err := tok.VerifySignature(&mustKey(t).PublicKey); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("unsigned token must never verify, got %v", err)
	}
}

func TestClaims_AudienceArray(t *testing.T) {
	var c Claims
	if err := c.UnmarshalJSON([]byte(`{"aud":["a"],"auth_time":1700000000,"firebase":{"sign_in_provider":"password"}}`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Audience != "a" {
		t.Errorf("aud = %q", c.Audience)
	}
	if c.AuthTime == nil || c.AuthTime.Unix() != 1700000000 {
		t.Errorf("auth_time = %v", c.AuthTime)
	}
	fb, ok := c.Get("firebase")
	if !ok {
		t.Fatalf("firebase claim missing")
	}
	if m, _ := fb.(map[string]any); m["sign_in_provider"] != "password" {
		t.Errorf("nested claim = %v", fb)
	}
}

func TestClaims_RegisteredNamesAreCaseSensitive(t *testing.T) {
	var c Claims
	err := c.UnmarshalJSON([]byte(`{"ISS":"https://securetoken.google.com/p","Sub":"u","AUD":"p","EXP":1700000000}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Issuer != "" || c.Subject != "" || c.Audience != "" || !c.ExpiresAt.IsZero() {
		t.Fatalf("case variants must not fill registered claims: %+v", c)
	}
	for _, k := range []string{"ISS", "Sub", "AUD", "EXP"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should stay in Extra", k)
		}
	}
}

func TestClaims_LargeIntegersExact(t *testing.T) {
	var c Claims
	if err := c.UnmarshalJSON([]byte(`{"sub":"u","big":9007199254740993,"nested":{"n":18446744073709551615}}`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, _ := c.Get("big"); v != json.Number("9007199254740993") {
		t.Fatalf("big = %v (%T)", v, v)
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"big":9007199254740993`, `"n":18446744073709551615`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("re-encoded claims lost %s: %s", want, out)
		}
	}
}

func TestClaims_WrongRegisteredTypes(t *testing.T) {
	for _, body := range []string{`{"iss":1}`, `{"exp":"soon"}`, `{"auth_time":"yesterday"}`, `{"aud":[1]}`} {
		var c Claims
		if err := c.UnmarshalJSON([]byte(body)); err == nil {
			t.Errorf("%s: expected an error", body)
		}
	}
}
