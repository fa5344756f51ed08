package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Run on_authenticated(): initialize and replenish the local key bundle",
	Long: `login reproduces the auth layer's on_authenticated() hook: it runs the
Bundle Reconciler's initialize() followed by check_and_replenish(). Safe to
call on every authenticated session; both steps are idempotent.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.Close()

	d.gate.OnAuthenticated(context.Background())
	fmt.Println("on_authenticated() complete")
	return nil
}
