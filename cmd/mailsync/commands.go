package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailsync/internal/auth"
	"github.com/mixelka/mailsync/pkg/models"
)

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid account id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Sync one account now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			res, err := appFrom(cmd).service.Sync(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newRefreshAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-all",
		Short: "Force a token refresh and sync of every account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			for ev := range appFrom(cmd).service.RefreshAll(ctx) {
				if err := printJSON(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <account-id>...",
		Short: "Check which transports work for accounts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return printJSON(appFrom(cmd).service.CheckProtocolsBatch(cmd.Context(), ids))
		},
	}
}

func newDeviceAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device-auth <account-id>",
		Short: "Authorize an account with a device code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			svc := appFrom(cmd).service
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			start, err := svc.StartDeviceAuth(ctx, ids[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Open %s and enter code %s\n", start.VerificationURI, start.UserCode)

			interval := max(start.Interval, 1)
			for {
				select {
				case <-ctx.Done():
					svc.CancelDeviceAuth(ids[0])
					return ctx.Err()
				case <-time.After(time.Duration(interval) * time.Second):
				}

				poll, err := svc.PollDeviceAuth(ctx, ids[0])
				if err != nil {
					return err
				}
				if poll.Status == auth.DeviceSuccess {
					fmt.Fprintln(cmd.OutOrStdout(), "Authorized")
					return nil
				}
			}
		},
	}
}

func newProxyTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy-test <group-id>",
		Short: "Check that a group's proxy can reach the identity provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			res, err := appFrom(cmd).service.TestProxy(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newStatusCmd() *cobra.Command {
	var logs int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show accounts and recent sync activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			accounts, err := a.db.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"schedule": a.service.Status(),
				"accounts": accounts,
				"logs":     a.service.Logs(logs),
			})
		},
	}
	cmd.Flags().IntVar(&logs, "logs", 20, "number of log entries to show")
	return cmd
}

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	var a models.Account
	var groupID int64
	add := &cobra.Command{
		Use:   "add <email>",
		Short: "Add an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Email = args[0]
			if groupID > 0 {
				a.GroupID = &groupID
			}
			if err := appFrom(cmd).db.CreateAccount(cmd.Context(), &a); err != nil {
				return err
			}
			return printJSON(a)
		},
	}
	add.Flags().StringVar(&a.Password, "password", "", "mailbox password for IMAP/POP3 login")
	add.Flags().StringVar(&a.RefreshToken, "refresh-token", "", "OAuth refresh token")
	add.Flags().StringVar(&a.ClientID, "client-id", "", "OAuth client id (defaults to DEFAULT_CLIENT_ID)")
	add.Flags().Int64Var(&groupID, "group", 0, "group id")
	add.Flags().StringVar(&a.Remark, "remark", "", "free-form note")

	cmd.AddCommand(add)
	return cmd
}

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups",
	}

	var g models.Group
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g.Name = args[0]
			if err := appFrom(cmd).db.CreateGroup(cmd.Context(), &g); err != nil {
				return err
			}
			return printJSON(g)
		},
	}
	add.Flags().StringVar(&g.ProxyURL, "proxy", "", "proxy URL (http, https, socks5, socks5h)")
	add.Flags().BoolVar(&g.AutoSync, "auto-sync", true, "include accounts in scheduled sync")
	add.Flags().IntVar(&g.SyncIntervalMinutes, "interval", 30, "sync interval in minutes")
	add.Flags().IntVar(&g.SyncBatchSize, "batch", 5, "accounts synced per cycle")
	add.Flags().BoolVar(&g.AutoRefreshToken, "auto-refresh", false, "keep refresh tokens alive")
	add.Flags().IntVar(&g.RefreshIntervalHours, "refresh-interval", 24, "token keep-alive interval in hours")

	cmd.AddCommand(add)
	return cmd
}

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Inspect and retry token refreshes",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count accounts by last refresh outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := appFrom(cmd).service.RefreshStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	var page, pageSize int
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show the refresh history, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := appFrom(cmd).service.RefreshLogs(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	logs.Flags().IntVar(&page, "page", 1, "page number")
	logs.Flags().IntVar(&pageSize, "page-size", 50, "entries per page")

	failed := &cobra.Command{
		Use:   "failed",
		Short: "List accounts whose last refresh failed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := appFrom(cmd).service.FailedRefreshes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	retry := &cobra.Command{
		Use:   "retry [account-id]",
		Short: "Retry one account, or every failed account when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := appFrom(cmd).service
			if len(args) == 0 {
				res, err := svc.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if err := svc.RetryRefresh(cmd.Context(), ids[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Refreshed")
			return nil
		},
	}

	cmd.AddCommand(stats, logs, failed, retry)
	return cmd
}
