package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"slashy.ai/slashy/internal/core"
)

var (
	connectOwner       string
	connectIntegration string
	connectAuthConfig  string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Authorize an integration from the terminal and wait for it to complete",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		authConfigID := connectAuthConfig
		if authConfigID == "" {
			authConfigID = a.catalog.AuthConfigID(connectIntegration)
		}
		if authConfigID == "" {
			authConfigID = connectIntegration
		}

		initiation, err := a.connections.Initiate(ctx, connectOwner, connectIntegration, authConfigID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Open this URL to authorize %s:\n\n  %s\n\nWaiting for authorization (Ctrl+C to stop)...\n",
			connectIntegration, initiation.RedirectURL)

		poller := core.NewPoller(a.connections, cfg.PollInterval, cfg.PollMaxAttempts)
		result, err := poller.Poll(ctx, initiation.ConnectionRequestID, connectOwner, core.NoWindow)
		switch {
		case err == nil:
			fmt.Fprintf(out, "Connected. Connection id: %s\n", result.ConnectionID)
			return nil
		case errors.Is(err, core.ErrTimeout):
			return fmt.Errorf("authorization did not complete after %d checks: %w", cfg.PollMaxAttempts, err)
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(out, "Stopped waiting; the request stays pending.")
			return nil
		default:
			return err
		}
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectOwner, "owner", "", "owner id the connection belongs to")
	connectCmd.Flags().StringVar(&connectIntegration, "integration", "", "integration id, e.g. github")
	connectCmd.Flags().StringVar(&connectAuthConfig, "auth-config", "", "auth config id (defaults to COMPOSIO_AUTH_<ID>)")
	_ = connectCmd.MarkFlagRequired("owner")
	_ = connectCmd.MarkFlagRequired("integration")
}
