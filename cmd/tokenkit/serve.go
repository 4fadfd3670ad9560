package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	authgin "github.com/PaulFidika/tokenkit/adapters/gin"
	authhttp "github.com/PaulFidika/tokenkit/adapters/http"
	core "github.com/PaulFidika/tokenkit/core"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddr       string
	serveCookieName string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an HTTP server that verifies tokens for other services",
	Long: `Serve exposes:
  GET /v1/id-token       verifies the bearer ID token
  GET /v1/session        verifies the session cookie
  GET /v1/rest/id-token  same as /v1/id-token, served by the net/http middleware
  GET /metrics           Prometheus metrics
  GET /healthz           liveness`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		app, err := newApp(cmd, reg, core.WithVerificationLogger(logEvents{log}))
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Warm(cmd.Context()); err != nil {
			log.WithError(err).Warn("initial key fetch failed; keys will be fetched on demand")
		}

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           newRouter(app, reg, serveCookieName),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		errCh := make(chan error, 1)
		go func() {
			log.WithField("addr", serveAddr).Info("listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func newRouter(app *core.App, reg *prometheus.Registry, cookieName string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	v1 := r.Group("/v1")
	v1.GET("/id-token", authgin.AuthRequired(app), currentUser)
	v1.GET("/session", authgin.SessionRequired(app, cookieName), currentUser)
	v1.GET("/rest/id-token", gin.WrapH(authhttp.RequireIDToken(app, http.HandlerFunc(claimsJSON))))
	return r
}

func currentUser(c *gin.Context) {
	u, _ := authgin.CurrentUser(c)
	c.JSON(http.StatusOK, u)
}

func claimsJSON(w http.ResponseWriter, r *http.Request) {
	claims, _ := authhttp.ClaimsFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims.MapClaims())
}

func requestLogger(l logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := l.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithError(c.Errors.Last().Err)
		}
		entry.Debug("request")
	}
}

// logEvents reports verification outcomes through logrus.
type logEvents struct{ log logrus.FieldLogger }

func (l logEvents) LogVerification(_ context.Context, ev core.VerificationEvent) error {
	entry := l.log.WithFields(logrus.Fields{
		"kind":    ev.Kind,
		"project": ev.ProjectID,
		"ok":      ev.OK,
	})
	if ev.UID != "" {
		entry = entry.WithField("uid", ev.UID)
	}
	if ev.Reason != "" {
		entry = entry.WithField("reason", ev.Reason)
	}
	switch {
	case ev.Unavailable:
		entry.WithError(ev.Err).Warn("verification failed: key service unavailable")
	case !ev.OK:
		entry.WithError(ev.Err).Info("verification rejected")
	default:
		entry.Debug("verification ok")
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveCookieName, "cookie-name", authhttp.DefaultSessionCookie, "Session cookie name")
	rootCmd.AddCommand(serveCmd)
}
