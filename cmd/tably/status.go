package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, the stored session and its expiry, and fetch the live profile when logged in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "production"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		store, err := newStore()
		if err != nil {
			return err
		}
		sess := store.Session()

		fmt.Println()
		fmt.Println("Session:")
		if sess == nil {
			fmt.Printf("  %s\n", color.YellowString("not logged in"))
			return nil
		}

		fmt.Printf("  User ID:     %s\n", valueOrDefault(sess.Identity.UserID, "(unknown)"))
		fmt.Printf("  Company:     %s\n", valueOrDefault(sess.Identity.CompanyID, "(unknown)"))
		fmt.Printf("  Role:        %s\n", valueOrDefault(sess.Identity.Role, "(unknown)"))
		fmt.Printf("  Token:       %s\n", maskToken(sess.AccessToken))

		switch {
		case sess.ExpiresAt.IsZero():
			fmt.Printf("  Expiry:      %s\n", "(no expiry hint)")
		case sess.Expired():
			fmt.Printf("  Expiry:      %s\n",
				color.RedString("expired %s (will refresh on next request)", sess.ExpiresAt.Format(time.RFC3339)))
		default:
			fmt.Printf("  Expiry:      %s\n",
				color.GreenString("valid for %s (until %s)",
					time.Until(sess.ExpiresAt).Round(time.Second), sess.ExpiresAt.Format(time.RFC3339)))
		}

		// Live check: a stale token is fine here, the SDK refreshes it.
		client, _, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := cmdContext()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		me, err := client.Auth().Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:        %s\n", me.Name)
		fmt.Printf("  Email:       %s\n", me.Email)
		fmt.Printf("  Role:        %s\n", me.Role)
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
