// Package core wires key caches, verifiers and the custom token signer into
// an App scoped to one project.
package core

import (
	"context"
	"errors"
	"fmt"

	"code.cloudfoundry.org/clock"
	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	"github.com/PaulFidika/tokenkit/keycache"
	oidckit "github.com/PaulFidika/tokenkit/oidc"
	memorylimiter "github.com/PaulFidika/tokenkit/ratelimit/memory"
	redislimiter "github.com/PaulFidika/tokenkit/ratelimit/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoProjectID = errors.New("core: project id is required (set GOOGLE_CLOUD_PROJECT or PROJECT_ID)")
	ErrNoSigner    = errors.New("core: no service account configured for custom tokens")
)

type options struct {
	fetcher        keycache.Fetcher
	clock          clock.Clock
	logger         logrus.FieldLogger
	limiter        keycache.Limiter
	registerer     prometheus.Registerer
	signer         jwtkit.Signer
	signerEmail    string
	serviceAccount *jwtkit.ServiceAccount
	events         VerificationLogger
	projectID      string
}

// Option configures New.
type Option func(*options)

// WithFetcher replaces the HTTP key document fetcher.
func WithFetcher(f keycache.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithClock sets the clock for caches, verifiers and the signer.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.logger = l } }

// WithLimiter replaces the limiter chosen from Config.
func WithLimiter(l keycache.Limiter) Option { return func(o *options) { o.limiter = l } }

// WithMetrics registers key cache metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(o *options) { o.registerer = reg } }

// WithSigner mints custom tokens with s on behalf of serviceAccountEmail.
func WithSigner(s jwtkit.Signer, serviceAccountEmail string) Option {
	return func(o *options) {
		o.signer = s
		o.signerEmail = serviceAccountEmail
	}
}

// WithServiceAccount supplies the signing key and, when Config has none, the project id.
func WithServiceAccount(sa *jwtkit.ServiceAccount) Option {
	return func(o *options) { o.serviceAccount = sa }
}

// WithProjectID overrides Config.ProjectID.
func WithProjectID(id string) Option { return func(o *options) { o.projectID = id } }

// WithVerificationLogger reports every verification outcome to l.
func WithVerificationLogger(l VerificationLogger) Option { return func(o *options) { o.events = l } }

// App verifies ID tokens and session cookies for one project and mints
// custom tokens. Each App owns its caches; Apps never share key material.
type App struct {
	cfg       Config
	projectID string
	log       logrus.FieldLogger

	idKeys     *keycache.Cache
	cookieKeys *keycache.Cache
	ids        *oidckit.Verifier
	cookies    *oidckit.Verifier
	minter     *jwtkit.CustomTokenSigner

	events  VerificationLogger
	closers []func() error
}

// New builds an App. It performs no network I/O; call Warm to prefetch keys.
func New(cfg Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.NewClock()
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}

	if o.projectID != "" {
		cfg.ProjectID = o.projectID
	}
	accountProject := ""
	if o.serviceAccount != nil {
		accountProject = o.serviceAccount.ProjectID
	}
	projectID, err := cfg.resolveProjectID(accountProject)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		projectID: projectID,
		log:       o.logger.WithField("project", projectID),
		events:    o.events,
	}

	if err := a.initSigner(o); err != nil {
		return nil, err
	}

	vopts := []oidckit.VerifierOpt{oidckit.WithClock(o.clock), oidckit.WithLogger(o.logger)}
	idCtx := oidckit.VerificationContext{ProjectID: projectID, Kind: oidckit.IDToken, Skew: cfg.Skew, Emulator: cfg.Emulator()}
	cookieCtx := oidckit.VerificationContext{ProjectID: projectID, Kind: oidckit.SessionCookie, Skew: cfg.Skew, Emulator: cfg.Emulator()}

	if cfg.Emulator() {
		a.log.WithField("emulator_host", cfg.EmulatorHost).Warn("auth emulator mode: token signatures are not verified")
		a.ids = oidckit.NewVerifier(idCtx, nil, vopts...)
		a.cookies = oidckit.NewVerifier(cookieCtx, nil, vopts...)
		return a, nil
	}

	limiter, err := a.initLimiter(o)
	if err != nil {
		return nil, err
	}
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = keycache.NewHTTPFetcher(keycache.HTTPFetcherConfig{Logger: o.logger})
	}
	var metrics *keycache.Metrics
	if o.registerer != nil {
		if metrics, err = keycache.NewMetrics(o.registerer); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("core: register metrics: %w", err)
		}
	}
	cacheOpts := keycache.Options{
		GracePeriod:        cfg.StaleGrace,
		MinRefreshInterval: cfg.MinRefreshInterval,
		Limiter:            limiter,
		Clock:              o.clock,
		Logger:             o.logger,
		Metrics:            metrics,
	}
	a.idKeys = keycache.New(cfg.certsURL(oidckit.IDToken), fetcher, cacheOpts)
	a.cookieKeys = keycache.New(cfg.certsURL(oidckit.SessionCookie), fetcher, cacheOpts)
	a.ids = oidckit.NewVerifier(idCtx, a.idKeys, vopts...)
	a.cookies = oidckit.NewVerifier(cookieCtx, a.cookieKeys, vopts...)

	if cfg.WarmSchedule != "" {
		w, err := keycache.NewWarmer(cfg.WarmSchedule, o.logger, a.idKeys, a.cookieKeys)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		w.Start()
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	return a, nil
}

// NewFromEnv builds an App from ConfigFromEnv and the service account found
// by jwtkit.LoadServiceAccount. Explicit options win over discovered ones.
func NewFromEnv(ctx context.Context, opts ...Option) (*App, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sa, err := jwtkit.LoadServiceAccount(ctx)
	if err != nil {
		return nil, err
	}
	if sa != nil {
		opts = append([]Option{WithServiceAccount(sa)}, opts...)
	}
	return New(cfg, opts...)
}

func (a *App) initSigner(o options) error {
	switch {
	case o.signer != nil:
		a.minter = jwtkit.NewCustomTokenSigner(o.signer, o.signerEmail, o.clock)
	case a.cfg.Emulator():
		a.minter = jwtkit.NewCustomTokenSigner(jwtkit.NoneSigner{}, jwtkit.EmulatorServiceAccount, o.clock)
	case o.serviceAccount != nil:
		s, err := o.serviceAccount.Signer()
		if err != nil {
			return fmt.Errorf("core: %w", err)
		}
		a.minter = jwtkit.NewCustomTokenSigner(s, o.serviceAccount.ClientEmail, o.clock)
	}
	return nil
}

func (a *App) initLimiter(o options) (keycache.Limiter, error) {
	if o.limiter != nil {
		return o.limiter, nil
	}
	if a.cfg.RefreshLimit <= 0 || a.cfg.RefreshWindow <= 0 {
		return nil, nil
	}
	limits := map[string]memorylimiter.Limit{
		keycache.LimiterBucket: {Limit: a.cfg.RefreshLimit, Window: a.cfg.RefreshWindow},
	}
	if a.cfg.RedisURL == "" {
		return memorylimiter.New(limits, o.clock), nil
	}
	rl, err := redislimiter.NewFromURL(a.cfg.RedisURL, map[string]redislimiter.Limit{
		keycache.LimiterBucket: {Limit: a.cfg.RefreshLimit, Window: a.cfg.RefreshWindow},
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rl.Close)
	return rl, nil
}

// ProjectID returns the resolved project id.
func (a *App) ProjectID() string { return a.projectID }

// Emulator reports whether the App runs against the auth emulator.
func (a *App) Emulator() bool { return a.cfg.Emulator() }

// VerifyIDToken verifies an ID token and returns its claims.
func (a *App) VerifyIDToken(ctx context.Context, raw string) (*jwtkit.Claims, error) {
	return a.verify(ctx, a.ids, raw)
}

// VerifySessionCookie verifies a session cookie and returns its claims.
func (a *App) VerifySessionCookie(ctx context.Context, raw string) (*jwtkit.Claims, error) {
	return a.verify(ctx, a.cookies, raw)
}

func (a *App) verify(ctx context.Context, v *oidckit.Verifier, raw string) (*jwtkit.Claims, error) {
	claims, err := v.Verify(ctx, raw)
	if a.events != nil {
		ev := VerificationEvent{
			Kind:        v.Context().Kind.String(),
			ProjectID:   a.projectID,
			OK:          err == nil,
			Unavailable: oidckit.IsUnavailable(err),
			Err:         err,
		}
		if claims != nil {
			ev.UID = claims.Subject
		}
		if reason, ok := oidckit.ReasonOf(err); ok {
			ev.Reason = string(reason)
		}
		if lerr := a.events.LogVerification(ctx, ev); lerr != nil {
			a.log.WithError(lerr).Debug("verification logger failed")
		}
	}
	return claims, err
}

// CreateCustomToken mints a custom token for uid.
func (a *App) CreateCustomToken(ctx context.Context, uid string, developerClaims map[string]any) (string, error) {
	if a.minter == nil {
		return "", ErrNoSigner
	}
	return a.minter.CreateCustomToken(ctx, uid, developerClaims)
}

// Warm fetches both key documents now. It is a no-op in emulator mode.
func (a *App) Warm(ctx context.Context) error {
	if a.idKeys == nil {
		return nil
	}
	return errors.Join(a.idKeys.Refresh(ctx), a.cookieKeys.Refresh(ctx))
}

// KeySet returns the cached keys for kind, or nil before the first fetch and
// in emulator mode.
func (a *App) KeySet(kind oidckit.TokenKind) *keycache.KeySet {
	c := a.idKeys
	if kind == oidckit.SessionCookie {
		c = a.cookieKeys
	}
	if c == nil {
		return nil
	}
	return c.Snapshot()
}

// Close stops background refreshes and releases connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
