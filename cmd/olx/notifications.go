package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	olx "github.com/mohammadkhasimpathan/olx-clone"
	"github.com/spf13/cobra"
)

var (
	notificationsLimit int
	notificationsJSON  bool
	watchSocket        bool
)

func init() {
	notificationsListCmd.Flags().IntVarP(&notificationsLimit, "limit", "n", 20, "Maximum notifications to show")
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsWatchCmd.Flags().BoolVar(&watchSocket, "socket", false, "Use the notification socket instead of the event stream")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsWatchCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Bell notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		list, err := s.client.Notifications.List(ctx, &olx.PageOptions{PageSize: notificationsLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notificationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range list {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			when := valueOrDefault(n.TimeAgo, n.CreatedAt.Local().Format("Jan 02 15:04"))
			fmt.Printf("%s %-6s %-14s %s: %s\n", mark, n.ID, when, n.Title, truncate(n.Message, 60))
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark one notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		if err := s.client.Notifications.MarkRead(ctx, olx.ID(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %s marked as read.\n", args[0])
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		if err := s.client.Notifications.MarkAllRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked as read.")
		return nil
	},
}

// ============================================================================
// notifications watch
// ============================================================================

var notificationsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow notifications and new messages live",
	Long:  "Stay connected and print bell notifications, unread counts and incoming messages until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target := olx.GlobalTarget()
		if watchSocket {
			target = olx.NotificationsTarget()
		}

		bus := olx.NewBus(s.store, s.client.Realtime, &olx.BusConfig{
			Target: &target,
			Logger: s.logger,
			OnState: func(sc olx.StateChange) {
				switch {
				case sc.State == olx.ConnOpen:
					fmt.Fprintln(os.Stderr, "(connected)")
				case sc.State == olx.ConnReconnecting:
					fmt.Fprintf(os.Stderr, "(reconnecting, attempt %d in %s)\n", sc.Attempt, sc.Delay)
				case sc.Terminal() && sc.Reason != olx.ReasonClosed:
					fmt.Fprintf(os.Stderr, "(disconnected: %s)\n", sc.Reason)
				}
			},
		})
		defer bus.Close()

		bus.Subscribe(olx.EventNotificationCreated, func(ev olx.Event) {
			if p, ok := ev.Payload.(*olx.NotificationCreated); ok {
				fmt.Printf("🔔 %s: %s\n", p.Notification.Title, p.Notification.Message)
			}
		})
		bus.Subscribe(olx.EventUnreadCount, func(ev olx.Event) {
			if p, ok := ev.Payload.(*olx.UnreadCountChanged); ok {
				fmt.Printf("   unread: %d\n", p.Count)
			}
		})
		self := s.store.Load().UserID
		bus.Subscribe(olx.EventMessageCreated, func(ev olx.Event) {
			if p, ok := ev.Payload.(*olx.MessageCreated); ok && p.Message.SenderID != self {
				fmt.Printf("✉  conversation %s: %s\n", p.Message.ConversationID, formatMessage(p.Message, self))
			}
		})

		bus.Start(ctx)
		if !bus.Authenticated() {
			return fmt.Errorf("not connected: no stored session")
		}
		fmt.Fprintln(os.Stderr, "Watching. Press Ctrl-C to stop.")

		<-ctx.Done()
		return nil
	},
}
