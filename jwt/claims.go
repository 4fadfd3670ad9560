package jwtkit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// registered lists the claims that have dedicated fields on Claims.
var registered = map[string]struct{}{
	"iss":       {},
	"aud":       {},
	"sub":       {},
	"iat":       {},
	"exp":       {},
	"auth_time": {},
}

// Claims is the decoded payload of an identity token or session cookie.
// Everything outside the registered claims lands in Extra, keeping whatever
// JSON type the issuer used (string, json.Number, bool, nil, []any, map[string]any).
type Claims struct {
	Issuer    string
	Audience  string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	AuthTime  *time.Time
	Extra     map[string]any
}

// Get returns a non-registered claim.
func (c *Claims) Get(name string) (any, bool) {
	if c == nil || c.Extra == nil {
		return nil, false
	}
	v, ok := c.Extra[name]
	return v, ok
}

// String returns a non-registered claim when it is a string.
func (c *Claims) String(name string) string {
	v, _ := c.Get(name)
	s, _ := v.(string)
	return s
}

// MapClaims flattens c into the form golang-jwt signs.
func (c Claims) MapClaims() jwt.MapClaims {
	m := make(jwt.MapClaims, len(c.Extra)+6)
	for k, v := range c.Extra {
		if _, ok := registered[k]; ok {
			continue
		}
		m[k] = v
	}
	if c.Issuer != "" {
		m["iss"] = c.Issuer
	}
	if c.Audience != "" {
		m["aud"] = c.Audience
	}
	if c.Subject != "" {
		m["sub"] = c.Subject
	}
	if !c.IssuedAt.IsZero() {
		m["iat"] = c.IssuedAt.Unix()
	}
	if !c.ExpiresAt.IsZero() {
		m["exp"] = c.ExpiresAt.Unix()
	}
	if c.AuthTime != nil {
		m["auth_time"] = c.AuthTime.Unix()
	}
	return m
}

func (c Claims) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.MapClaims())
}

// UnmarshalJSON reads registered claims by their exact names. Numbers in
// Extra stay json.Number so large integers survive a round trip.
func (c *Claims) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var all jwt.MapClaims
	if err := dec.Decode(&all); err != nil {
		return err
	}
	if all == nil {
		return errors.New("claims must be a JSON object")
	}

	iss, err := all.GetIssuer()
	if err != nil {
		return err
	}
	sub, err := all.GetSubject()
	if err != nil {
		return err
	}
	aud, err := all.GetAudience()
	if err != nil {
		return err
	}
	iat, err := all.GetIssuedAt()
	if err != nil {
		return err
	}
	exp, err := all.GetExpirationTime()
	if err != nil {
		return err
	}
	authTime, err := numericDate(all, "auth_time")
	if err != nil {
		return err
	}
	for k := range registered {
		delete(all, k)
	}

	out := Claims{
		Issuer:   iss,
		Audience: strings.Join(aud, ","),
		Subject:  sub,
		Extra:    map[string]any(all),
	}
	if iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}
	if authTime != nil {
		t := authTime.Time
		out.AuthTime = &t
	}
	*c = out
	return nil
}

// numericDate parses a NumericDate claim golang-jwt has no getter for.
func numericDate(m jwt.MapClaims, name string) (*jwt.NumericDate, error) {
	v, ok := m[name]
	if !ok || v == nil {
		return nil, nil
	}
	d, err := jwt.MapClaims{"exp": v}.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, jwt.ErrInvalidType)
	}
	return d, nil
}
