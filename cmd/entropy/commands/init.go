package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			svc := identities()
			_, fp, err := svc.GenerateIdentity(cfg.Passphrase)
			if err != nil {
				return err
			}
			id, err := svc.PeerID(cfg.Passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created.\nFingerprint: %s\nAddress:     %s\n", fp, id)
			return nil
		},
	}
}
