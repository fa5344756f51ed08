// Package x3dh implements the X3DH Engine (C5): the 3- or 4-DH composition
// and HKDF-SHA512 derivation to a 32-byte shared secret, grounded in the
// donor's internal/security/signal.go X3DH method but corrected to the
// DH-leg order, HKDF hash, and info string spec §4.5 and §8's testable
// properties require (the donor uses HKDF-SHA256 and info="X3DH"; this
// engine uses HKDF-SHA512 and info="SCP_X3DH_SharedSecret_v1").
package x3dh

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/silentrelay/e2ee-core/internal/keymaterial"
)

const hkdfInfo = "SCP_X3DH_SharedSecret_v1"

// Result is the output of a successful X3DH derivation.
type Result struct {
	SharedSecret [32]byte
	EphemeralPub [32]byte
	// OTPKID is passed through unchanged from the fetch that produced
	// peerOTPKPub, so the responder can locate the matching private half.
	// Nil when no one-time prekey was available.
	OTPKID *int
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], secret)
	return out, nil
}

// Derive performs the initiator side of X3DH: sample a fresh ephemeral
// keypair, compute DH1..DH3 (and DH4 if peerOTPKPub is present) in the
// security-critical order spec §4.5 mandates, and derive a 32-byte secret
// via HKDF-SHA512 with a 32-zero-byte salt.
//
// DH1 = DH(localIdentityDHPriv, peerSignedPrekeyPub)
// DH2 = DH(ephemeralPriv, peerIdentityDHPub)
// DH3 = DH(ephemeralPriv, peerSignedPrekeyPub)
// DH4 = DH(ephemeralPriv, peerOTPKPub) if present
func Derive(localIdentityDHPriv [32]byte, peerIdentityDHPub, peerSignedPrekeyPub [32]byte, peerOTPKPub *[32]byte, otpkID *int) (Result, error) {
	ephemeral, err := keymaterial.GenerateDHKeyPair()
	if err != nil {
		return Result{}, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	dh1, err := dh(localIdentityDHPriv, peerSignedPrekeyPub)
	if err != nil {
		return Result{}, fmt.Errorf("DH1: %w", err)
	}
	dh2, err := dh(ephemeral.Private, peerIdentityDHPub)
	if err != nil {
		return Result{}, fmt.Errorf("DH2: %w", err)
	}
	dh3, err := dh(ephemeral.Private, peerSignedPrekeyPub)
	if err != nil {
		return Result{}, fmt.Errorf("DH3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	var resultOTPKID *int
	if peerOTPKPub != nil {
		dh4, err := dh(ephemeral.Private, *peerOTPKPub)
		if err != nil {
			return Result{}, fmt.Errorf("DH4: %w", err)
		}
		concat = append(concat, dh4[:]...)
		zero(dh4[:])
		resultOTPKID = otpkID
	}

	secret, err := deriveSecret(concat)
	zero(dh1[:])
	zero(dh2[:])
	zero(dh3[:])
	zero(concat)
	ephemeral.Zero()
	if err != nil {
		return Result{}, err
	}

	return Result{SharedSecret: secret, EphemeralPub: ephemeral.Public, OTPKID: resultOTPKID}, nil
}

func deriveSecret(ikm []byte) ([32]byte, error) {
	salt := make([]byte, 32)
	reader := hkdf.New(sha512.New, ikm, salt, []byte(hkdfInfo))
	var out [32]byte
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return [32]byte{}, fmt.Errorf("hkdf derive: %w", err)
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
