package cli

import (
	"fmt"
	"time"

	"gridsync/internal/app"
	"gridsync/internal/identity"

	"github.com/spf13/cobra"
)

// NewTokenCommand mints an access token with the configured secret key.
func NewTokenCommand() *cobra.Command {
	var (
		uid       int64
		name      string
		ttl       time.Duration
		secretHex string
		issuer    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a PASETO v4 access token for a participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if cmd.Flags().Changed("secret-key-hex") {
				cfg.PasetoSecretHex = secretHex
			}
			if cmd.Flags().Changed("issuer") {
				cfg.AuthIssuer = issuer
			}
			if cmd.Flags().Changed("ttl") {
				cfg.AuthTokenTTL = ttl
			}
			if cfg.PasetoSecretHex == "" {
				return fmt.Errorf("token: no secret key (set GRID_PASETO_V4_SECRET_KEY_HEX or --secret-key-hex)")
			}

			iss, err := app.NewTokenIssuer(cfg)
			if err != nil {
				return err
			}
			tok, exp, err := iss.Issue(identity.Identity{UserID: uid, DisplayName: name}, time.Now().UTC())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().Int64Var(&uid, "uid", 0, "user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (GRID_AUTH_TOKEN_TTL)")
	cmd.Flags().StringVar(&secretHex, "secret-key-hex", "", "PASETO v4 secret key (GRID_PASETO_V4_SECRET_KEY_HEX)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer (GRID_AUTH_ISSUER)")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// NewKeygenCommand prints a fresh PASETO v4 keypair as environment assignments.
func NewKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PASETO v4 keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secretHex, publicHex := identity.GenerateKeyPair()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "GRID_PASETO_V4_SECRET_KEY_HEX=%s\n", secretHex)
			fmt.Fprintf(out, "GRID_PASETO_V4_PUBLIC_KEY_HEX=%s\n", publicHex)
			return nil
		},
	}
}
