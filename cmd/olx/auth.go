package main

import (
	"fmt"
	"os"
	"time"

	olx "github.com/mohammadkhasimpathan/olx-clone"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (default $OLX_PASSWORD)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

// ============================================================================
// login / logout
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := valueOrDefault(loginPassword, os.Getenv("OLX_PASSWORD"))
		if password == "" {
			return fmt.Errorf("password required: pass --password or set OLX_PASSWORD")
		}

		s, err := newSession()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()

		creds, err := s.client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Printf("Logged in as %s (user %s)\n", valueOrDefault(creds.Username, args[0]), creds.UserID)
		fmt.Printf("  Session saved to %s\n", s.store.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		if err := s.client.Auth.Logout(); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the configuration, check whether the stored tokens have expired, and fetch the live profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		fmt.Printf("  Socket URL:  %s\n", valueOrDefault(cfg.Default.WSURL, "(derived from base URL)"))
		fmt.Printf("  Environment: %s\n", cfg.Default.Env)
		fmt.Printf("  Log level:   %s\n", cfg.Default.LogLevel)

		creds := s.store.Load()
		fmt.Println()
		fmt.Println("Auth:")
		if !creds.Authenticated() {
			fmt.Println("  Username:    (not logged in)")
			return nil
		}
		fmt.Printf("  Username:    %s\n", valueOrDefault(creds.Username, "(unknown)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(string(creds.UserID), "(unknown)"))
		fmt.Printf("  Access:      %s\n", tokenStatus(creds.AccessToken))
		fmt.Printf("  Refresh:     %s\n", tokenStatus(creds.RefreshToken))

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		me, err := s.client.Auth.Profile(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:    %s\n", me.Username)
		if me.Location != "" {
			fmt.Printf("  Location:    %s\n", me.Location)
		}

		unread, err := s.client.Notifications.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}

// tokenStatus describes a stored token by its expiry claim.
func tokenStatus(token string) string {
	if token == "" {
		return "none"
	}
	claims, err := olx.ParseTokenClaims(token)
	if err != nil {
		return fmt.Sprintf("present (undecodable: %v)", err)
	}
	if claims.ExpiresAt == nil {
		return "present (no expiry set)"
	}
	expires := claims.ExpiresAt.Time
	if time.Now().Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
