package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	oidckit "github.com/PaulFidika/tokenkit/oidc"
	"github.com/spf13/cobra"
)

var verifySessionCookie bool

var verifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify an ID token or session cookie and print its claims",
	Long: `Verify checks the token's signature against the published keys and its
claims against the configured project. The token is read from stdin when no
argument is given.`,
	Example: `  tokenkit verify --project my-project "$ID_TOKEN"
  echo "$COOKIE" | tokenkit verify --session-cookie`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readToken(cmd, args)
		if err != nil {
			return err
		}
		app, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer app.Close()

		verify := app.VerifyIDToken
		if verifySessionCookie {
			verify = app.VerifySessionCookie
		}
		claims, err := verify(cmd.Context(), raw)
		if err != nil {
			if reason, ok := oidckit.ReasonOf(err); ok {
				log.WithField("reason", reason).Debug("claim rejected")
			}
			return fmt.Errorf("token rejected: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(claims.MapClaims())
	},
}

func readToken(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		if st, err := f.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("no token given: pass it as an argument or on stdin")
		}
	}
	b, err := io.ReadAll(io.LimitReader(in, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return "", errors.New("no token given")
	}
	return raw, nil
}

func init() {
	verifyCmd.Flags().BoolVar(&verifySessionCookie, "session-cookie", false, "Verify a session cookie instead of an ID token")
	rootCmd.AddCommand(verifyCmd)
}
