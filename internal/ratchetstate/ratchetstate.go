// Package ratchetstate defines the handover data shape between the X3DH
// Engine and the (out-of-scope, downstream) per-message ratchet: root key,
// sending chain, remote public, ephemeral keypair, and the consumed OTPK id.
// Adapted from the donor's internal/security/signal.go DoubleRatchetState
// and InitializeDoubleRatchet, trimmed to exactly the fields spec §3's
// Ratcheting Session names — this package does not implement RatchetStep,
// DeriveMessageKey, or message encryption; those belong to the downstream
// message layer spec §1 explicitly places out of scope.
package ratchetstate

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/silentrelay/e2ee-core/internal/keymaterial"
	"github.com/silentrelay/e2ee-core/internal/x3dh"
)

// CurrentVersion is the serialization format version this package writes.
// A session loaded with a different version is discarded and re-bootstrapped
// by the Session Manager, per spec §4.6.
const CurrentVersion = 1

// Session is the opaque state a downstream Double-Ratchet-style component
// requires to begin exchanging messages with a peer.
type Session struct {
	Version int `json:"version"`

	RootKey      [32]byte          `json:"root_key"`
	SendingChain [32]byte          `json:"sending_chain"`
	RemotePublic [32]byte          `json:"remote_public"`
	Ephemeral    keymaterial.DHKeyPair `json:"ephemeral"`

	// OTPKID is set only on the initiator side when the X3DH derivation
	// consumed a one-time prekey, so the responder can locate its match.
	OTPKID *int `json:"otpk_id,omitempty"`

	PeerID      string    `json:"peer_id"`
	IsInitiator bool      `json:"is_initiator"`

	// SessionID identifies this ratcheting session instance for logging and
	// diagnostics; it plays no part in key derivation.
	SessionID uuid.UUID `json:"session_id"`
}

// rootDerivationInfo distinguishes the root/sending-chain split from any
// other HKDF expansion drawn from the same shared secret.
const rootDerivationInfo = "SCP_DoubleRatchetRoot_v1"

// NewInitiatorSession constructs the initiator-side Ratcheting Session
// described by spec §4.6 step 4: seeded with the X3DH shared secret, the
// peer's signed-prekey public as the initial remote key, the ephemeral
// keypair passed in, and the OTPK id consumed (if any). The Session Manager
// passes only the ephemeral public half: x3dh.Derive zeroes the ephemeral
// private key before returning.
func NewInitiatorSession(peerID string, x3dhResult x3dh.Result, peerSignedPrekeyPub [32]byte, ephemeral keymaterial.DHKeyPair) (Session, error) {
	rootKey, sendingChain, err := splitRootAndChain(x3dhResult.SharedSecret)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Version:      CurrentVersion,
		RootKey:      rootKey,
		SendingChain: sendingChain,
		RemotePublic: peerSignedPrekeyPub,
		Ephemeral:    ephemeral,
		OTPKID:       x3dhResult.OTPKID,
		PeerID:       peerID,
		IsInitiator:  true,
		SessionID:    uuid.New(),
	}, nil
}

func splitRootAndChain(sharedSecret [32]byte) (root, chain [32]byte, err error) {
	salt := make([]byte, 32)
	reader := hkdf.New(sha512.New, sharedSecret[:], salt, []byte(rootDerivationInfo))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("derive root/chain keys: %w", err)
	}
	copy(root[:], buf[:32])
	copy(chain[:], buf[32:])
	return root, chain, nil
}

// Serialize encodes the session with its leading version field so a future
// format change can be detected on load.
func (s Session) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// ErrUnsupportedVersion is returned by Deserialize when the stored session's
// version field does not match CurrentVersion; the caller (Session Manager)
// must discard and re-bootstrap rather than attempt to interpret it.
var ErrUnsupportedVersion = fmt.Errorf("ratchet session format version is not supported")

// Deserialize decodes a persisted session, rejecting unrecognized versions.
func Deserialize(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("unmarshal ratchet session: %w", err)
	}
	if s.Version != CurrentVersion {
		return Session{}, ErrUnsupportedVersion
	}
	return s, nil
}

// Zero clears the session's key material in place.
func (s *Session) Zero() {
	for i := range s.RootKey {
		s.RootKey[i] = 0
	}
	for i := range s.SendingChain {
		s.SendingChain[i] = 0
	}
	s.Ephemeral.Zero()
}
