package cmd

import (
	"context"
	"errors"
	"fmt"

	"bitget-ledger-sync/internal/bitget"
	"github.com/spf13/cobra"
)

var (
	apiKey     string
	apiSecret  string
	passphrase string
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage encrypted exchange credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:     "set",
	Short:   "Store (or replace) a user's API key, secret and passphrase",
	PreRunE: requireUser,
	RunE: func(cmd *cobra.Command, args []string) error {
		if apiKey == "" || apiSecret == "" {
			return errors.New("--api-key and --api-secret are required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			creds := bitget.Credentials{APIKey: apiKey, APISecret: apiSecret, Passphrase: passphrase}
			if err := a.store.Set(ctx, userID, creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials stored for user %d (%s)\n", userID, creds.Fingerprint())
			return nil
		})
	},
}

var credentialsDisableCmd = &cobra.Command{
	Use:     "disable",
	Short:   "Exclude a user from scheduled passes",
	PreRunE: requireUser,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.store.Disable(ctx, userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d disabled\n", userID)
			return nil
		})
	},
}

var credentialsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt every stored credential with the current master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.store.Rotate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-encrypted %d credential rows\n", n)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{credentialsSetCmd, credentialsDisableCmd} {
		c.Flags().UintVar(&userID, "user", 0, "user id")
	}
	credentialsSetCmd.Flags().StringVar(&apiKey, "api-key", "", "Bitget API key")
	credentialsSetCmd.Flags().StringVar(&apiSecret, "api-secret", "", "Bitget API secret")
	credentialsSetCmd.Flags().StringVar(&passphrase, "passphrase", "", "Bitget API passphrase")

	credentialsCmd.AddCommand(credentialsSetCmd, credentialsDisableCmd, credentialsRotateCmd)
}
