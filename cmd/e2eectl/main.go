// Command e2eectl drives the key-agreement core from the command line:
// bundle initialization and replenishment, peer bundle inspection, session
// bootstrap, and logout. Each subcommand wires its components in sequence and
// returns any setup error up the cobra command tree (grounded in
// cmd/sage-crypto/main.go of the SAGE example repo), where main prints it to
// stderr and exits with status 1.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "e2eectl",
	Short: "Key-agreement core control CLI",
	Long: `e2eectl drives the client-side key-agreement core: generating and
publishing key bundles, fetching and verifying peer bundles, and bootstrapping
ratcheting sessions via X3DH.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
