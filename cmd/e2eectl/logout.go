package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Run on_logout(): clear all cached and persisted ratcheting sessions",
	Long: `logout reproduces the auth layer's on_logout() hook: it clears the
Session Manager's in-memory cache and every session_<peer_id> entry in the
secret store. Identity and prekey material is left untouched.`,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.Close()

	d.gate.OnLogout()
	fmt.Println("on_logout() complete")
	return nil
}
