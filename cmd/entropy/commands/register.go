package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"entropy/internal/app"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [nickname]",
		Short: "Publish your prekey bundle and optionally claim a nickname",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout*3)
			defer cancel()

			c, err := app.Open(cfg, nil, log)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.PublishKeys(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Registered prekeys with relay")
			if len(args) == 0 {
				return nil
			}

			if err := c.Start(ctx); err != nil {
				return err
			}
			if err := c.ClaimNickname(ctx, args[0]); err != nil {
				return fmt.Errorf("claim nickname %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nickname %q now points to %s\n", args[0], c.Self())
			return nil
		},
	}
}
