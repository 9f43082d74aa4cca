package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/threadbox/internal/auth"
	"github.com/ashita-ai/threadbox/internal/model"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
		privKey string
		pubKey  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured key pair",
		Long: `Issue a JWT for the threadbox API.

The key pair comes from --private-key/--public-key or from
THREADBOX_JWT_PRIVATE_KEY and THREADBOX_JWT_PUBLIC_KEY. Generate one with
"go run ./scripts/genkey".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if privKey == "" {
				privKey = os.Getenv("THREADBOX_JWT_PRIVATE_KEY")
			}
			if pubKey == "" {
				pubKey = os.Getenv("THREADBOX_JWT_PUBLIC_KEY")
			}
			if privKey == "" || pubKey == "" {
				return errors.New("token: a key pair is required; tokens signed with an ephemeral key would be useless")
			}
			r, err := model.ParseRole(role)
			if err != nil {
				return err
			}
			if subject == "" {
				return errors.New("token: --subject is required")
			}

			mgr, err := auth.NewJWTManager(privKey, pubKey, ttl)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			tok, exp, err := mgr.IssueToken(subject, r, ttl)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"token":      tok,
				"subject":    subject,
				"role":       r,
				"expires_at": exp.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (sub claim)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleOperator), "admin, operator or reader")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&privKey, "private-key", "", "Ed25519 private key PEM")
	cmd.Flags().StringVar(&pubKey, "public-key", "", "Ed25519 public key PEM")
	return cmd
}
