package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"entropy/internal/app"
	"entropy/internal/services/identity"
	"entropy/internal/store"
)

var (
	home       string
	passphrase string
	relayURL   string
	configPath string
	logLevel   string

	cfg app.Config
	log *logrus.Entry
)

func Execute() error {
	root := &cobra.Command{
		Use:           "entropy",
		Short:         "End-to-end encrypted messaging and calls over a relay",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configPath = filepath.Join(dir, ".entropy", "config.toml")
			}
			var err error
			cfg, err = app.LoadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("home") {
				cfg.Home = home
			}
			if flags.Changed("relay") {
				cfg.RelayURL = relayURL
			}
			if flags.Changed("passphrase") {
				cfg.Passphrase = passphrase
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cfg.Passphrase == "" {
				cfg.Passphrase = os.Getenv("ENTROPY_PASSPHRASE")
			}

			if log, err = app.NewLogger(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			return os.MkdirAll(cfg.Home, 0o700)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "config dir (default ~/.entropy)")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting keys and history (or $ENTROPY_PASSPHRASE)")
	pf.StringVar(&relayURL, "relay", "", "relay websocket URL (e.g. ws://127.0.0.1:8080/ws)")
	pf.StringVar(&configPath, "config", "", "TOML config file (default ~/.entropy/config.toml)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(initCmd(), fingerprintCmd(), registerCmd(), listenCmd(), sendCmd(), callCmd())
	return root.Execute()
}

func requirePassphrase() error {
	if cfg.Passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}

func identities() *identity.Service {
	return identity.New(store.NewIdentityFileStore(cfg.Home))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openClient unlocks the identity and starts the client.
func openClient(ctx context.Context, p *printer) (*app.Client, error) {
	if err := requirePassphrase(); err != nil {
		return nil, err
	}
	c, err := app.Open(cfg, p, log)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		log.WithError(err).Warn("relay not reachable yet; retrying in the background")
	}
	return c, nil
}
