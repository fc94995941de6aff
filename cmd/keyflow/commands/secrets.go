package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arko-chat/keyflow/credentials"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage cached account secrets",
	}
	cmd.AddCommand(secretsForgetCmd())
	return cmd
}

func secretsForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Wipe all cached secrets and keyring credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := machine.Secrets.ForgetSecrets(cmd.Context()); err != nil {
				return err
			}
			credentials.DeleteAll(userID)
			fmt.Println("Cached secrets wiped")
			return nil
		},
	}
}
