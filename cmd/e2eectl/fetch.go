package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <peer-id>",
	Short: "Fetch and verify a peer's key bundle",
	Long:  `fetch calls the Peer Bundle Fetcher & Verifier for the given peer id and prints the decoded bundle, or the verification failure.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.Close()

	peerID := args[0]
	decoded, err := d.fetcher.Fetch(context.Background(), peerID)
	if err != nil {
		return fmt.Errorf("fetch peer bundle for %s: %w", peerID, err)
	}

	fmt.Printf("peer_id:             %s\n", peerID)
	fmt.Printf("crypto_version:      %d\n", decoded.CryptoVersion)
	fmt.Printf("identity_key:        %s\n", base64.StdEncoding.EncodeToString(decoded.IdentityKey))
	fmt.Printf("identity_dh_key:     %s\n", base64.StdEncoding.EncodeToString(decoded.IdentityDHKey[:]))
	fmt.Printf("signed_prekey:       %s\n", base64.StdEncoding.EncodeToString(decoded.SignedPrekey[:]))
	fmt.Printf("signed_prekey_id:    %d\n", decoded.SignedPrekeyID)
	if decoded.OneTimePrekey != nil {
		fmt.Printf("one_time_prekey:     %s\n", base64.StdEncoding.EncodeToString(decoded.OneTimePrekey[:]))
		fmt.Printf("one_time_prekey_id:  %d\n", *decoded.OneTimePrekeyID)
	} else {
		fmt.Printf("one_time_prekey:     none\n")
	}
	return nil
}
