package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	olx "github.com/mohammadkhasimpathan/olx-clone"
	"github.com/spf13/cobra"
)

var sessionInterval int

func init() {
	sessionWatchCmd.Flags().IntVar(&sessionInterval, "interval", 60, "Seconds between checks")

	sessionCmd.AddCommand(sessionWatchCmd)
	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session maintenance",
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the stored session fresh",
	Long:  "Check the access token periodically, warn shortly before it expires, refresh it once it has expired, and log out when the refresh token is no longer usable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		monitor := olx.NewSessionMonitor(s.store, s.client.Auth, &olx.MonitorConfig{
			Interval:  secondsDuration(sessionInterval),
			Logger:    s.logger,
			Notifier:  terminalNotifier{out: os.Stderr},
			Navigator: terminalNavigator{out: os.Stderr, cancel: cancel},
		})

		fmt.Fprintln(os.Stderr, "Watching session. Press Ctrl-C to stop.")
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session monitor: %w", err)
		}
		if !s.store.Load().Authenticated() {
			return fmt.Errorf("session ended")
		}
		return nil
	},
}
