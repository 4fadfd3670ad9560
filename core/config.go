package core

import (
	"fmt"
	"time"

	oidckit "github.com/PaulFidika/tokenkit/oidc"
	"github.com/caarlos0/env/v11"
)

// Config configures an App. ConfigFromEnv fills it from the environment; a
// zero Config built in code is valid once ProjectID (or EmulatorHost) is set.
type Config struct {
	// ProjectID is the expected audience and the suffix of the expected issuer.
	ProjectID string `env:"GOOGLE_CLOUD_PROJECT"`
	// FallbackProjectID is consulted when ProjectID is empty.
	FallbackProjectID string `env:"PROJECT_ID"`
	// EmulatorHost selects emulator mode: unsigned tokens are accepted and
	// custom tokens are minted unsigned.
	EmulatorHost string `env:"FIREBASE_AUTH_EMULATOR_HOST"`

	Skew               time.Duration `env:"TOKENKIT_CLOCK_SKEW"`
	StaleGrace         time.Duration `env:"TOKENKIT_STALE_GRACE" envDefault:"15m"`
	MinRefreshInterval time.Duration `env:"TOKENKIT_MIN_REFRESH_INTERVAL" envDefault:"30s"`
	// WarmSchedule refreshes both key caches in the background. Empty disables.
	WarmSchedule string `env:"TOKENKIT_WARM_SCHEDULE" envDefault:"@every 5m"`

	IDTokenCertsURL       string `env:"TOKENKIT_ID_TOKEN_CERTS_URL"`
	SessionCookieCertsURL string `env:"TOKENKIT_SESSION_COOKIE_CERTS_URL"`

	// RedisURL shares the unknown-kid refresh budget across processes.
	// Without it the budget is per process.
	RedisURL      string        `env:"TOKENKIT_REDIS_URL"`
	RefreshLimit  int           `env:"TOKENKIT_REFRESH_LIMIT" envDefault:"6"`
	RefreshWindow time.Duration `env:"TOKENKIT_REFRESH_WINDOW" envDefault:"1m"`
}

// ConfigFromEnv parses Config from environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("core: parse environment: %w", err)
	}
	return cfg, nil
}

// Emulator reports whether emulator mode is configured.
func (c Config) Emulator() bool { return c.EmulatorHost != "" }

// resolveProjectID picks the project id: explicit, fallback, then the service
// account's, then the emulator default.
func (c Config) resolveProjectID(accountProject string) (string, error) {
	for _, p := range []string{c.ProjectID, c.FallbackProjectID, accountProject} {
		if p != "" {
			return p, nil
		}
	}
	if c.Emulator() {
		return oidckit.DefaultEmulatorProjectID, nil
	}
	return "", ErrNoProjectID
}

func (c Config) certsURL(kind oidckit.TokenKind) string {
	switch {
	case kind == oidckit.IDToken && c.IDTokenCertsURL != "":
		return c.IDTokenCertsURL
	case kind == oidckit.SessionCookie && c.SessionCookieCertsURL != "":
		return c.SessionCookieCertsURL
	}
	d, _ := oidckit.DefaultsFor(kind)
	return d.CertsURL
}
