package jwtkit

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
)

const (
	// EnvServiceAccountJSON holds an inline service account key.
	EnvServiceAccountJSON = "FIREBASE_SERVICE_ACCOUNT_JSON"
	// EnvCredentialsFile points at a service account key file.
	EnvCredentialsFile = "GOOGLE_APPLICATION_CREDENTIALS"
)

// ServiceAccount is the subset of a Google service account key used for
// minting custom tokens.
type ServiceAccount struct {
	ProjectID     string
	ClientEmail   string
	PrivateKeyID  string
	PrivateKeyPEM []byte
}

// ParseServiceAccount reads a service account JSON key.
func ParseServiceAccount(ctx context.Context, data []byte) (*ServiceAccount, error) {
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("service account missing client_email")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("service account missing private_key")
	}
	creds, err := google.CredentialsFromJSON(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	return &ServiceAccount{
		ProjectID:     creds.ProjectID,
		ClientEmail:   cfg.Email,
		PrivateKeyID:  cfg.PrivateKeyID,
		PrivateKeyPEM: cfg.PrivateKey,
	}, nil
}

// Signer builds an RS256 signer from the account's private key.
func (sa *ServiceAccount) Signer() (*RSASigner, error) {
	s, err := NewRSASignerFromPEM(sa.PrivateKeyID, sa.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("service account private key: %w", err)
	}
	return s, nil
}

// LoadServiceAccount discovers a service account key with the following priority:
//  1. FIREBASE_SERVICE_ACCOUNT_JSON (inline JSON)
//  2. GOOGLE_APPLICATION_CREDENTIALS (path to a JSON key file)
//
// Returns (nil, nil) when neither is set.
// Returns an error only if a key is provided but invalid.
func LoadServiceAccount(ctx context.Context) (*ServiceAccount, error) {
	if inline := strings.TrimSpace(os.Getenv(EnvServiceAccountJSON)); inline != "" {
		sa, err := ParseServiceAccount(ctx, []byte(inline))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", EnvServiceAccountJSON, err)
		}
		return sa, nil
	}
	path := strings.TrimSpace(os.Getenv(EnvCredentialsFile))
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sa, err := ParseServiceAccount(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return sa, nil
}
