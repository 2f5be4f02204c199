package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/maggmcp/magg/pkg/auth"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage bearer-token authentication",
		Long: `Manage the RSA keypair and bearer tokens protecting the HTTP surface.
Without a private key, authentication is disabled globally.`,
	}

	cmd.AddCommand(authInitCmd())
	cmd.AddCommand(authTokenCmd())
	cmd.AddCommand(authStatusCmd())
	cmd.AddCommand(authPublicKeyCmd())
	cmd.AddCommand(authPrivateKeyCmd())
	return cmd
}

func authManager(cmd *cobra.Command) (*auth.Manager, error) {
	settings := loadSettings(cmd)
	return auth.NewManager(filepath.Dir(settings.ConfigPath), settings.PrivateKey)
}

func authInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the RSA keypair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := authManager(cmd)
			if err != nil {
				return err
			}
			if err := mgr.InitKeys(); err != nil {
				return err
			}
			cmd.Printf("Private key written to %s\n", mgr.KeyPath())
			return nil
		},
	}
}

func authTokenCmd() *cobra.Command {
	var (
		subject string
		hours   int
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := authManager(cmd)
			if err != nil {
				return err
			}
			if !mgr.Enabled() {
				return fmt.Errorf("no private key found, run 'magg auth init' first")
			}
			token, err := mgr.CreateToken(subject, time.Duration(hours)*time.Hour, scopes)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "dev-user", "Token subject claim")
	cmd.Flags().IntVar(&hours, "hours", 24, "Token validity in hours")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Informational scopes to embed")
	return cmd
}

func authStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether authentication is enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := authManager(cmd)
			if err != nil {
				return err
			}
			if mgr.Enabled() {
				cmd.Printf("Authentication enabled (key: %s)\n", mgr.KeyPath())
			} else {
				cmd.Println("Authentication disabled (no private key)")
			}
			return nil
		},
	}
}

func authPublicKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "public-key",
		Short: "Print the PEM-encoded public key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := authManager(cmd)
			if err != nil {
				return err
			}
			pemText, err := mgr.PublicKeyPEM()
			if err != nil {
				return err
			}
			cmd.Print(pemText)
			return nil
		},
	}
}

func authPrivateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "private-key",
		Short: "Print the PEM-encoded private key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := authManager(cmd)
			if err != nil {
				return err
			}
			pemText, err := mgr.PrivateKeyPEM()
			if err != nil {
				return err
			}
			cmd.Print(pemText)
			return nil
		},
	}
}
