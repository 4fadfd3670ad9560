package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	jwtkit "github.com/PaulFidika/tokenkit/jwt"
	"github.com/PaulFidika/tokenkit/keycache"
	oidckit "github.com/PaulFidika/tokenkit/oidc"
	authtest "github.com/PaulFidika/tokenkit/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestApp(t *testing.T, issuer *authtest.TestIssuer, clk *fakeclock.FakeClock, opts ...Option) *App {
	t.Helper()
	cfg := Config{
		ProjectID:             issuer.ProjectID(),
		IDTokenCertsURL:       issuer.CertsURL(),
		SessionCookieCertsURL: issuer.JWKSURL(),
		RefreshLimit:          6,
		RefreshWindow:         time.Minute,
	}
	opts = append([]Option{WithClock(clk), WithLogger(quiet())}, opts...)
	app, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestApp_VerifyBothKinds(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	issuer := authtest.NewTestIssuerWithClock("demo-project", clk)
	defer issuer.Close()
	app := newTestApp(t, issuer, clk)
	ctx := context.Background()

	claims, err := app.VerifyIDToken(ctx, issuer.CreateIDToken("user-1", map[string]any{"role": "admin"}))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "admin", claims.String("role"))

	claims, err = app.VerifySessionCookie(ctx, issuer.CreateSessionCookie("user-2", nil))
	require.NoError(t, err)
	assert.Equal(t, "user-2", claims.Subject)

	_, err = app.VerifySessionCookie(ctx, issuer.CreateIDToken("user-1", nil))
	assert.ErrorIs(t, err, oidckit.ErrClaimRejected)

	assert.EqualValues(t, 2, issuer.Fetches(), "one fetch per key document")
}

func TestApp_WarmAndRotation(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	issuer := authtest.NewTestIssuerWithClock("demo-project", clk)
	defer issuer.Close()
	app := newTestApp(t, issuer, clk)
	ctx := context.Background()

	assert.Nil(t, app.KeySet(oidckit.IDToken))
	require.NoError(t, app.Warm(ctx))
	assert.EqualValues(t, 2, issuer.Fetches())
	require.NotNil(t, app.KeySet(oidckit.SessionCookie))
	assert.Equal(t, []string{issuer.KeyID()}, app.KeySet(oidckit.IDToken).KeyIDs())

	issuer.Rotate(true)
	token := issuer.CreateIDToken("user-1", nil)
	_, err := app.VerifyIDToken(ctx, token)
	assert.ErrorIs(t, err, keycache.ErrKeyNotFound, "rotated key is not fetched inside the refresh interval")

	clk.Increment(time.Minute)
	_, err = app.VerifyIDToken(ctx, token)
	require.NoError(t, err)
}

func TestApp_StaleKeysDuringOutage(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	issuer := authtest.NewTestIssuerWithClock("demo-project", clk)
	defer issuer.Close()

	fetcher := keycache.NewHTTPFetcher(keycache.HTTPFetcherConfig{RetryMax: -1, Logger: quiet()})
	app := newTestApp(t, issuer, clk, WithFetcher(fetcher))
	ctx := context.Background()
	require.NoError(t, app.Warm(ctx))

	issuer.SetFailing(true)
	clk.Increment(time.Hour + 10*time.Minute)
	token := issuer.CreateIDToken("user-1", nil)

	_, err := app.VerifyIDToken(ctx, token)
	require.NoError(t, err, "within the default 15m grace window")

	clk.Increment(10 * time.Minute)
	_, err = app.VerifyIDToken(ctx, issuer.CreateIDToken("user-1", nil))
	assert.True(t, oidckit.IsUnavailable(err), "got %v", err)
}

func TestApp_Emulator(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	app, err := New(Config{EmulatorHost: "localhost:9099"}, WithClock(clk), WithLogger(quiet()))
	require.NoError(t, err)
	defer app.Close()
	assert.True(t, app.Emulator())
	assert.Equal(t, oidckit.DefaultEmulatorProjectID, app.ProjectID())

	issuer := authtest.NewTestIssuerWithClock(app.ProjectID(), clk)
	defer issuer.Close()
	claims, err := app.VerifyIDToken(context.Background(), issuer.SignUnsigned(issuer.IDTokenClaims("user-1")))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.NoError(t, app.Warm(context.Background()))
	assert.EqualValues(t, 0, issuer.Fetches())
	assert.Nil(t, app.KeySet(oidckit.IDToken))

	raw, err := app.CreateCustomToken(context.Background(), "user-1", nil)
	require.NoError(t, err)
	tok, err := jwtkit.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, jwtkit.AlgNone, tok.Header.Algorithm)
}

func TestApp_CustomTokens(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	issuer := authtest.NewTestIssuerWithClock("demo-project", clk)
	defer issuer.Close()

	noSigner := newTestApp(t, issuer, clk)
	_, err := noSigner.CreateCustomToken(context.Background(), "user-1", nil)
	assert.ErrorIs(t, err, ErrNoSigner)

	signer, err := jwtkit.NewRSASigner(2048, "sa-key")
	require.NoError(t, err)
	app := newTestApp(t, issuer, clk, WithSigner(signer, "svc@demo-project.iam.gserviceaccount.com"))
	raw, err := app.CreateCustomToken(context.Background(), "user-1", map[string]any{"premium": true})
	require.NoError(t, err)
	tok, err := jwtkit.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, tok.VerifySignature(signer.PublicKey()))
	claims, err := tok.Claims()
	require.NoError(t, err)
	assert.Equal(t, jwtkit.FirebaseAudience, claims.Audience)
	assert.Equal(t, "user-1", claims.String("uid"))
}

func TestApp_ProjectResolution(t *testing.T) {
	_, err := New(Config{}, WithLogger(quiet()))
	assert.ErrorIs(t, err, ErrNoProjectID)

	app, err := New(Config{FallbackProjectID: "fallback"}, WithLogger(quiet()))
	require.NoError(t, err)
	assert.Equal(t, "fallback", app.ProjectID())

	_, err = New(Config{}, WithLogger(quiet()), WithServiceAccount(&jwtkit.ServiceAccount{ProjectID: "from-sa"}))
	require.Error(t, err, "service account without a key cannot sign")

	app, err = New(Config{ProjectID: "explicit"}, WithLogger(quiet()))
	require.NoError(t, err)
	assert.Equal(t, "explicit", app.ProjectID())

	app, err = New(Config{ProjectID: "explicit"}, WithLogger(quiet()), WithProjectID("override"))
	require.NoError(t, err)
	assert.Equal(t, "override", app.ProjectID())
}

func TestApp_InvalidWarmSchedule(t *testing.T) {
	_, err := New(Config{ProjectID: "p", WarmSchedule: "whenever"}, WithLogger(quiet()))
	assert.Error(t, err)
}

type recordingLogger struct {
	mu     sync.Mutex
	events []VerificationEvent
}

func (r *recordingLogger) LogVerification(_ context.Context, ev VerificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return errors.New("sink offline")
}

func TestApp_VerificationLoggerAndMetrics(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	issuer := authtest.NewTestIssuerWithClock("demo-project", clk)
	defer issuer.Close()
	rec := &recordingLogger{}
	reg := prometheus.NewRegistry()
	app := newTestApp(t, issuer, clk, WithVerificationLogger(rec), WithMetrics(reg))
	ctx := context.Background()

	_, err := app.VerifyIDToken(ctx, issuer.CreateIDToken("user-1", nil))
	require.NoError(t, err)
	_, err = app.VerifyIDToken(ctx, issuer.CreateExpiredIDToken("user-1"))
	require.Error(t, err)

	require.Len(t, rec.events, 2)
	assert.True(t, rec.events[0].OK)
	assert.Equal(t, "user-1", rec.events[0].UID)
	assert.Equal(t, "id_token", rec.events[0].Kind)
	assert.False(t, rec.events[1].OK)
	assert.Equal(t, string(oidckit.ReasonExpired), rec.events[1].Reason)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tokenkit_keycache_lookups_total"])
	assert.True(t, names["tokenkit_keycache_fetches_total"])
}

func TestApp_SharedMetricsRegistry(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	issuerA := authtest.NewTestIssuerWithClock("proj-a", clk)
	defer issuerA.Close()
	issuerB := authtest.NewTestIssuerWithClock("proj-b", clk)
	defer issuerB.Close()

	reg := prometheus.NewRegistry()
	appA := newTestApp(t, issuerA, clk, WithMetrics(reg))
	appB := newTestApp(t, issuerB, clk, WithMetrics(reg))
	ctx := context.Background()

	_, err := appA.VerifyIDToken(ctx, issuerA.CreateIDToken("user-a", nil))
	require.NoError(t, err)
	_, err = appB.VerifySessionCookie(ctx, issuerB.CreateSessionCookie("user-b", nil))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	sources := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "tokenkit_keycache_fetches_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "source" {
					sources[l.GetValue()] = true
				}
			}
		}
	}
	assert.Equal(t, map[string]bool{issuerA.CertsURL(): true, issuerB.JWKSURL(): true}, sources)
}
