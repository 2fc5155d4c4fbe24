package commands

import (
	"github.com/spf13/cobra"

	"entropy/internal/domain"
)

// listen stays connected and prints what arrives until interrupted.
func listenCmd() *cobra.Command {
	var acceptCalls bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the relay and print incoming messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p := newPrinter(cmd.OutOrStdout())
			c, err := openClient(ctx, p)
			if err != nil {
				return err
			}
			defer c.Close()
			log.WithField("address", c.Self()).Info("listening")

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-p.updates:
				case ev := <-p.calls:
					if acceptCalls && ev.Direction == domain.CallIncoming && ev.Status == domain.CallRinging {
						if err := c.Accept(ctx); err != nil {
							log.WithError(err).Warn("could not answer call")
						}
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&acceptCalls, "accept-calls", false, "answer incoming calls automatically")
	return cmd
}
