package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint and address",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			svc := identities()
			fp, err := svc.FingerprintIdentity(cfg.Passphrase)
			if err != nil {
				return err
			}
			id, err := svc.PeerID(cfg.Passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\nAddress:     %s\n", fp, id)
			return nil
		},
	}
}
