package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailsync/internal/config"
)

// version is set at build time
var version = "dev"

type appKey struct{}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailsync",
		Short: "Keeps mailbox credentials fresh and mailbox state synced",
		Long: `mailsync manages many mailbox accounts. It refreshes OAuth tokens,
probes which transports (Graph, IMAP, POP3) work for each account and
periodically fetches mailbox state through the first one that does.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a := appFrom(cmd); a != nil {
				return a.Close()
			}
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newRefreshAllCmd(),
		newRefreshCmd(),
		newProbeCmd(),
		newDeviceAuthCmd(),
		newProxyTestCmd(),
		newStatusCmd(),
		newAccountCmd(),
		newGroupCmd(),
	)
	return root
}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	return a
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
