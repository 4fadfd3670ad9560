package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var mintClaims string

var mintCmd = &cobra.Command{
	Use:   "mint <uid>",
	Short: "Mint a custom token for uid",
	Long: `Mint signs a custom token with the service account read from
FIREBASE_SERVICE_ACCOUNT_JSON or the GOOGLE_APPLICATION_CREDENTIALS file.
In emulator mode the token is unsigned.`,
	Example: `  tokenkit mint user-123 --claims '{"role":"admin"}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var developerClaims map[string]any
		if mintClaims != "" {
			if err := json.Unmarshal([]byte(mintClaims), &developerClaims); err != nil {
				return fmt.Errorf("invalid --claims: %w", err)
			}
		}
		app, err := newApp(cmd, nil)
		if err != nil {
			return err
		}
		defer app.Close()

		token, err := app.CreateCustomToken(cmd.Context(), args[0], developerClaims)
		if err != nil {
			return fmt.Errorf("minting failed: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	mintCmd.Flags().StringVar(&mintClaims, "claims", "", "Developer claims as a JSON object")
	rootCmd.AddCommand(mintCmd)
}
