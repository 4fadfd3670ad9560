package main

import (
	"fmt"

	core "github.com/PaulFidika/tokenkit/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// global flags
var (
	projectID string
	logLevel  string
	logFormat string
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "tokenkit",
	Short: "Verify Firebase ID tokens and session cookies",
	Long: `tokenkit verifies Firebase Auth ID tokens and session cookies against
Google's published signing keys and mints custom tokens.

Configuration is read from the environment (GOOGLE_CLOUD_PROJECT,
FIREBASE_AUTH_EMULATOR_HOST, GOOGLE_APPLICATION_CREDENTIALS, TOKENKIT_*).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		switch logFormat {
		case "json":
			log.SetFormatter(&logrus.JSONFormatter{})
		case "text":
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		default:
			return fmt.Errorf("unknown log format %q", logFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectID, "project", "", "Firebase project id (overrides GOOGLE_CLOUD_PROJECT)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
}

// newApp builds the App from the environment. reg may be nil.
func newApp(cmd *cobra.Command, reg prometheus.Registerer, opts ...core.Option) (*core.App, error) {
	if projectID != "" {
		opts = append(opts, core.WithProjectID(projectID))
	}
	opts = append([]core.Option{core.WithLogger(log)}, opts...)
	if reg != nil {
		opts = append(opts, core.WithMetrics(reg))
	}
	app, err := core.NewFromEnv(cmd.Context(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return app, nil
}
