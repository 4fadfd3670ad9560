package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	oidckit "github.com/PaulFidika/tokenkit/oidc"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Fetch and list the published signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.Emulator() {
			return fmt.Errorf("emulator mode does not use signing keys")
		}
		if err := app.Warm(cmd.Context()); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tKEY ID\tSOURCE\tEXPIRES")
		for _, kind := range []oidckit.TokenKind{oidckit.IDToken, oidckit.SessionCookie} {
			ks := app.KeySet(kind)
			if ks == nil {
				continue
			}
			for _, kid := range ks.KeyIDs() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, kid, ks.Source, ks.ExpiresAt.Format(time.RFC3339))
			}
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
