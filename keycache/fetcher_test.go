package keycache

import (
	"context"
	"testing"
	"time"

	authtest "github.com/PaulFidika/tokenkit/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxAge(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"no-cache", 0},
		{"public, max-age=3600", time.Hour},
		{"public, max-age=19302, must-revalidate, no-transform", 19302 * time.Second},
		{"max-age=60, s-maxage=120", 2 * time.Minute},
		{"max-age=oops", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MaxAge(tc.header), "header %q", tc.header)
	}
}

func TestHTTPFetcher_ReadsBodyAndLifetime(t *testing.T) {
	issuer := authtest.NewTestIssuer("demo-project")
	defer issuer.Close()
	issuer.SetMaxAge(2 * time.Hour)

	f := NewHTTPFetcher(HTTPFetcherConfig{RetryMax: -1})
	res, err := f.Fetch(context.Background(), issuer.CertsURL())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, res.MaxAge)

	keys, _, err := ParseKeySet(res.Body, time.Now())
	require.NoError(t, err)
	assert.Contains(t, keys, issuer.KeyID())
}

func TestHTTPFetcher_ServerError(t *testing.T) {
	issuer := authtest.NewTestIssuer("demo-project")
	defer issuer.Close()
	issuer.SetFailing(true)

	f := NewHTTPFetcher(HTTPFetcherConfig{RetryMax: -1, Timeout: time.Second})
	_, err := f.Fetch(context.Background(), issuer.JWKSURL())
	assert.Error(t, err)
	assert.EqualValues(t, 1, issuer.Fetches())
}

func TestCache_OverHTTP(t *testing.T) {
	issuer := authtest.NewTestIssuer("demo-project")
	defer issuer.Close()

	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	c := New(issuer.JWKSURL(), NewHTTPFetcher(HTTPFetcherConfig{RetryMax: -1, Logger: l}), Options{Logger: l})

	key, err := c.Get(context.Background(), issuer.KeyID())
	require.NoError(t, err)
	assert.Equal(t, issuer.KeyID(), key.KeyID)
	assert.EqualValues(t, 1, issuer.Fetches())
}

func TestWarmer(t *testing.T) {
	_, err := NewWarmer("not a schedule", nil)
	assert.Error(t, err)

	issuer := authtest.NewTestIssuer("demo-project")
	defer issuer.Close()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	fetcher := NewHTTPFetcher(HTTPFetcherConfig{RetryMax: -1, Logger: l})
	certs := New(issuer.CertsURL(), fetcher, Options{Logger: l})
	jwks := New(issuer.JWKSURL(), fetcher, Options{Logger: l})

	w, err := NewWarmer("@every 1h", l, certs, jwks)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, w.RunOnce(context.Background()))
	assert.NotNil(t, certs.Snapshot())
	assert.NotNil(t, jwks.Snapshot())
	assert.EqualValues(t, 2, issuer.Fetches())

	issuer.SetFailing(true)
	assert.ErrorIs(t, w.RunOnce(context.Background()), ErrFetch)
}
