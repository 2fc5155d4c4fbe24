package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"entropy/internal/domain"
)

// call <peer>: place a call and keep it up until it ends or is interrupted.
func callCmd() *cobra.Command {
	var video bool
	cmd := &cobra.Command{
		Use:   "call <peer|nickname>",
		Short: "Place a voice or video call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p := newPrinter(cmd.OutOrStdout())
			c, err := openClient(ctx, p)
			if err != nil {
				return err
			}
			defer c.Close()

			peer, err := c.LookupNickname(ctx, args[0])
			if err != nil {
				return err
			}
			kind := domain.MediaVoice
			if video {
				kind = domain.MediaVideo
			}
			id, err := c.StartCall(ctx, peer, kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calling %s (call %s), Ctrl-C to hang up\n", short(peer), id)

			for {
				select {
				case <-ctx.Done():
					return c.Hangup(cmd.Context())
				case ev := <-p.calls:
					if ev.CallID == id && ev.Status == domain.CallEnded {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&video, "video", false, "start a video call")
	return cmd
}
