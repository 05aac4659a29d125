package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Log in and store the session locally",
	Long:  "Authenticate against the Tably API and persist the session to ~/.tably/session.toml.\nLater commands reuse and refresh it transparently.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := cmdContext()
		defer cancel()

		sess, err := client.Auth().Login(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Printf("Logged in as %s (company %s, role %s)\n",
			args[0], sess.Identity.CompanyID, valueOrDefault(sess.Identity.Role, "unknown"))
		path, _ := sessionPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and drop the stored session",
	Long:  "Revoke the session server-side and remove ~/.tably/session.toml.\nThe local session is dropped even when the server cannot be reached.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newSDKClient()
		if err != nil {
			return err
		}
		if store.Session() == nil {
			fmt.Println("Not logged in.")
			return nil
		}

		ctx, cancel := cmdContext()
		defer cancel()

		if err := client.Auth().Logout(ctx); err != nil {
			fmt.Printf("Server logout failed (%v); local session removed anyway.\n", err)
			return nil
		}
		fmt.Println("Logged out.")
		return nil
	},
}
