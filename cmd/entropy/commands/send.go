package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"entropy/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	var (
		file string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <peer|nickname> [message]",
		Short: "Encrypt and send a message or file to a peer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) != 2 {
				return fmt.Errorf("a message or --file is required")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p := newPrinter(cmd.OutOrStdout())
			p.quiet = true
			c, err := openClient(ctx, p)
			if err != nil {
				return err
			}
			defer c.Close()

			peer, err := c.LookupNickname(ctx, args[0])
			if err != nil {
				return err
			}

			var id string
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				name := filepath.Base(file)
				id, err = c.SendFile(ctx, peer, name, mime.TypeByExtension(filepath.Ext(name)), data)
				if err != nil {
					return err
				}
			} else if id, err = c.SendText(ctx, peer, args[1]); err != nil {
				return err
			}

			status := awaitStatus(ctx, p, id, wait)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, status)
			if status == domain.StatusFailed {
				return fmt.Errorf("message %s could not be sent", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "send this file as an attachment")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for a delivery receipt")
	return cmd
}

// awaitStatus follows id until it is delivered, fails, or wait runs out.
func awaitStatus(ctx context.Context, p *printer, id string, wait time.Duration) domain.MessageStatus {
	status := domain.StatusSending
	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return status
		case <-timeout.C:
			return status
		case u := <-p.updates:
			if u.MessageID != id {
				continue
			}
			if status.Advances(u.Status) || u.Status == domain.StatusFailed {
				status = u.Status
			}
			if status == domain.StatusFailed || status.Rank() >= domain.StatusDelivered.Rank() {
				return status
			}
		}
	}
}
