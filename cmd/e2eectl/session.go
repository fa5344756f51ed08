package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session <peer-id>",
	Short: "Bootstrap or load the ratcheting session handover for a peer",
	Long: `session calls session_for(peer_id): returns the cached session, loads it
from the secret store, or bootstraps a fresh one via X3DH. Prints the session
metadata (initiator flag, consumed one-time prekey id, ephemeral public key),
never the root or chain key.`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.Close()

	peerID := args[0]
	ctx := context.Background()

	if err := d.sessions.CheckPeerIdentity(ctx, peerID); err != nil {
		return fmt.Errorf("check_peer_identity(%s): %w", peerID, err)
	}

	s, err := d.sessions.SessionFor(ctx, peerID)
	if err != nil {
		return fmt.Errorf("session_for(%s): %w", peerID, err)
	}

	fmt.Printf("peer_id:       %s\n", peerID)
	fmt.Printf("is_initiator:  %t\n", s.IsInitiator)
	if s.OTPKID != nil {
		fmt.Printf("otpk_id:       %d\n", *s.OTPKID)
	} else {
		fmt.Printf("otpk_id:       none\n")
	}
	fmt.Printf("ephemeral_pub: %s\n", base64.StdEncoding.EncodeToString(s.Ephemeral.Public[:]))
	return nil
}
