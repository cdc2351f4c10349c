package cli

import (
	"errors"
	"fmt"

	"github.com/davarch/buildcast/internal/infrastructure/auth_jwt"
	"github.com/davarch/buildcast/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var (
	tokenInstallation int64
	tokenApp          bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a handshake assertion for an installation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.App.ID == "" || cfg.App.PrivateKeyPath == "" {
			return errors.New("app.id and app.private_key_path are required")
		}

		id := tokenInstallation
		if id == 0 {
			id = cfg.Client.InstallationID
		}
		if id <= 0 {
			return errors.New("installation id is required (--installation or client.installation_id)")
		}

		key, err := auth_jwt.LoadPrivateKey(cfg.App.PrivateKeyPath)
		if err != nil {
			return err
		}
		signer := auth_jwt.NewSigner(cfg.App.ID, key)

		var tok string
		if tokenApp {
			tok, err = signer.AppAssertion(id)
		} else {
			tok, err = signer.ClientAssertion(id)
		}
		if err != nil {
			return err
		}

		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenInstallation, "installation", 0, "installation id (default client.installation_id)")
	tokenCmd.Flags().BoolVar(&tokenApp, "app", false, "print the app assertion used for token exchange instead")

	rootCmd.AddCommand(tokenCmd)
}
