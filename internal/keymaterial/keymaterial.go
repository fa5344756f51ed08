// Package keymaterial implements the Key Material Factory (C2): generation
// of the identity signing pair, identity DH pair, signed prekey, and batches
// of one-time prekeys, grounded in the donor's
// internal/security/signal.go KeyPair/GenerateKeyPair and
// VerifySignedPreKeySignature (whose ECDSA-on-X25519-bytes hack this package
// deliberately replaces with real Ed25519, per spec §9's flagged bug).
package keymaterial

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/store"
)

// CryptoVersion identifies the curve/signature suite a bundle was produced
// under. Version 1 (X448/Ed448, legacy) is never produced; this factory only
// ever produces version 2, and the peer bundle fetcher rejects bundles that
// declare any other version.
const CryptoVersion = 2

// DHKeyPair is an X25519 key-agreement keypair.
type DHKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// Zero clears the private half. Call via defer immediately after a private
// key has been written to the store and is no longer needed in memory.
func (kp *DHKeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// GenerateDHKeyPair samples a fresh X25519 keypair from the platform CSPRNG,
// clamping the private scalar per the Curve25519 spec.
func GenerateDHKeyPair() (DHKeyPair, error) {
	var kp DHKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return DHKeyPair{}, fmt.Errorf("generate dh keypair: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return DHKeyPair{}, fmt.Errorf("derive dh public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SigningKeyPair is an Ed25519 identity signing keypair.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateSigningKeyPair samples a fresh Ed25519 identity signing keypair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("generate signing keypair: %w", err)
	}
	return SigningKeyPair{Private: priv, Public: pub}, nil
}

// SignedPrekey is a medium-lived DH key whose public half is signed by the
// identity signing key, binding it to the account.
type SignedPrekey struct {
	DHKeyPair
	Signature []byte
	Timestamp int64
}

// signedPayload reconstructs the bytes signed over a signed prekey:
// public half ‖ 8-byte big-endian unix timestamp, per spec §4.2 step 4.
func signedPayload(public [32]byte, timestamp int64) []byte {
	payload := make([]byte, 40)
	copy(payload, public[:])
	binary.BigEndian.PutUint64(payload[32:], uint64(timestamp))
	return payload
}

// GenerateSignedPrekey samples a fresh signed prekey and signs it with the
// identity signing private key.
func GenerateSignedPrekey(identitySigningPriv ed25519.PrivateKey) (SignedPrekey, error) {
	kp, err := GenerateDHKeyPair()
	if err != nil {
		return SignedPrekey{}, err
	}
	ts := time.Now().Unix()
	sig := ed25519.Sign(identitySigningPriv, signedPayload(kp.Public, ts))
	return SignedPrekey{DHKeyPair: kp, Signature: sig, Timestamp: ts}, nil
}

// VerifySignedPrekey checks a signed prekey's signature against an identity
// signing public key. This replaces the donor's broken
// ECDSA-over-X25519-bytes verification with real Ed25519 verification.
func VerifySignedPrekey(identitySigningPub ed25519.PublicKey, public [32]byte, timestamp int64, signature []byte) bool {
	return ed25519.Verify(identitySigningPub, signedPayload(public, timestamp), signature)
}

// OneTimePrekey is a short-lived DH keypair consumed at most once by the
// directory on behalf of one initiator.
type OneTimePrekey struct {
	DHKeyPair
	KeyID int
}

const otpkBatchSize = 100

// GenerateOTPKBatch samples a fresh batch of one-time prekeys, numbered
// startID..startID+count-1. The factory never reuses ids within a process;
// on a full rebuild the caller passes startID=0, matching the donor's
// "the server replaces by id" upsert assumption (spec §4.2, §9).
func GenerateOTPKBatch(startID, count int) ([]OneTimePrekey, error) {
	batch := make([]OneTimePrekey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateDHKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate otpk %d: %w", startID+i, err)
		}
		batch = append(batch, OneTimePrekey{DHKeyPair: kp, KeyID: startID + i})
	}
	return batch, nil
}

// PublicBundle is the tuple uploaded to the directory.
type PublicBundle struct {
	CryptoVersion          int
	IdentityKeyPublic      string
	IdentityDHKeyPublic    string
	SignedPrekeyPublic     string
	SignedPrekeySignature  string
	SignedPrekeyTimestamp  int64
	OneTimePrekeys         []OTPKPublic
}

// OTPKPublic is a single one-time prekey's public half and id, as uploaded.
type OTPKPublic struct {
	KeyID  int
	Public string
}

// GeneratedBundle is the full output of generate_bundle: the public bundle
// to upload plus every private half the Secret Store must persist before
// the caller may proceed.
type GeneratedBundle struct {
	Public           PublicBundle
	IdentitySigning  SigningKeyPair
	IdentityDH       DHKeyPair
	SignedPrekey     SignedPrekey
	OneTimePrekeys   []OneTimePrekey
}

// GenerateBundle implements generate_bundle(): sample every keypair, sign
// the signed prekey, and return both the public bundle and the private
// material. It does not itself write to the Secret Store — persistence
// order (private halves, then public halves, then flag) is the Bundle
// Reconciler's responsibility per spec §4.1, so a crash mid-write can be
// completed by a retry without re-sampling keys.
func GenerateBundle() (GeneratedBundle, error) {
	identitySigning, err := GenerateSigningKeyPair()
	if err != nil {
		return GeneratedBundle{}, err
	}
	identityDH, err := GenerateDHKeyPair()
	if err != nil {
		return GeneratedBundle{}, err
	}
	spk, err := GenerateSignedPrekey(identitySigning.Private)
	if err != nil {
		return GeneratedBundle{}, err
	}
	otpks, err := GenerateOTPKBatch(0, otpkBatchSize)
	if err != nil {
		return GeneratedBundle{}, err
	}

	otpkPublics := make([]OTPKPublic, len(otpks))
	for i, o := range otpks {
		otpkPublics[i] = OTPKPublic{KeyID: o.KeyID, Public: base64.StdEncoding.EncodeToString(o.Public[:])}
	}

	return GeneratedBundle{
		Public: PublicBundle{
			CryptoVersion:         CryptoVersion,
			IdentityKeyPublic:     base64.StdEncoding.EncodeToString(identitySigning.Public),
			IdentityDHKeyPublic:   base64.StdEncoding.EncodeToString(identityDH.Public[:]),
			SignedPrekeyPublic:    base64.StdEncoding.EncodeToString(spk.Public[:]),
			SignedPrekeySignature: base64.StdEncoding.EncodeToString(spk.Signature),
			SignedPrekeyTimestamp: spk.Timestamp,
			OneTimePrekeys:        otpkPublics,
		},
		IdentitySigning: identitySigning,
		IdentityDH:      identityDH,
		SignedPrekey:    spk,
		OneTimePrekeys:  otpks,
	}, nil
}

// PersistPrivate writes every private half generated above to the Secret
// Store, private halves before public halves, per spec §4.1's crash-safety
// ordering. Flags are left to the caller (the reconciler), which sets
// flag_generated only after this succeeds.
func (g GeneratedBundle) PersistPrivate(s *store.Store) error {
	if err := s.Put(store.LabelIdentityPriv, g.IdentitySigning.Private); err != nil {
		return err
	}
	if err := s.Put(store.LabelIdentityDHPriv, g.IdentityDH.Private[:]); err != nil {
		return err
	}
	if err := s.Put(store.LabelSPKPriv, g.SignedPrekey.Private[:]); err != nil {
		return err
	}
	for _, o := range g.OneTimePrekeys {
		if err := s.Put(store.OTPKPriv(o.KeyID), o.Private[:]); err != nil {
			return err
		}
	}
	return nil
}

// PersistPublic writes every public half and the OTPK count to the Secret
// Store, to be called only after PersistPrivate has succeeded.
func (g GeneratedBundle) PersistPublic(s *store.Store) error {
	if err := s.Put(store.LabelIdentityPub, g.IdentitySigning.Public); err != nil {
		return err
	}
	if err := s.Put(store.LabelIdentityDHPub, g.IdentityDH.Public[:]); err != nil {
		return err
	}
	if err := s.Put(store.LabelSPKPub, g.SignedPrekey.Public[:]); err != nil {
		return err
	}
	if err := s.Put(store.LabelSPKSig, g.SignedPrekey.Signature); err != nil {
		return err
	}
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(g.SignedPrekey.Timestamp))
	if err := s.Put(store.LabelSPKTimestamp, tsBuf); err != nil {
		return err
	}
	for _, o := range g.OneTimePrekeys {
		if err := s.Put(store.OTPKPub(o.KeyID), o.Public[:]); err != nil {
			return err
		}
	}
	countBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(countBuf, uint64(len(g.OneTimePrekeys)))
	if err := s.Put(store.LabelOTPKCount, countBuf); err != nil {
		return err
	}

	versionBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(versionBuf, uint64(CryptoVersion))
	return s.Put(store.LabelCryptoVersion, versionBuf)
}

// StoredCryptoVersion reads the crypto version of the bundle currently
// persisted in the store. Absent (never-yet-versioned) stores are treated
// as already current, matching every pre-upgrade-feature installation.
func StoredCryptoVersion(s *store.Store) (int, error) {
	raw, ok, err := s.Get(store.LabelCryptoVersion)
	if err != nil {
		return 0, err
	}
	if !ok || len(raw) != 8 {
		return CryptoVersion, nil
	}
	return int(binary.BigEndian.Uint64(raw)), nil
}

// UpgradeToV2 implements the crypto-version upgrade path from spec §6: a
// bundle produced under an older crypto version is retired in place of a
// fresh version-2 bundle, but every private half it left behind is archived
// under a version-tagged label first, so messages exchanged under the old
// version can still be decrypted after the upgrade. It samples an entirely
// new identity, DH, signed-prekey, and OTPK set — an upgrade is not a
// rebuild, since the whole point is to stop using the old curve/signature
// suite's keys for anything new.
func UpgradeToV2(s *store.Store, fromVersion int) (GeneratedBundle, error) {
	if fromVersion >= CryptoVersion {
		return GeneratedBundle{}, fmt.Errorf("upgrade source version %d is not older than %d", fromVersion, CryptoVersion)
	}
	if err := archiveVersionedPrivate(s, fromVersion); err != nil {
		return GeneratedBundle{}, fmt.Errorf("archive version %d private material: %w", fromVersion, err)
	}
	return GenerateBundle()
}

// archiveVersionedPrivate copies the outgoing version's private halves to
// version-tagged labels, leaving the originals in place for
// PersistPrivate/PersistPublic to overwrite with the new version's material.
func archiveVersionedPrivate(s *store.Store, version int) error {
	labels := []store.Label{store.LabelIdentityPriv, store.LabelIdentityDHPriv, store.LabelSPKPriv}
	countBytes, ok, err := s.Get(store.LabelOTPKCount)
	if err != nil {
		return err
	}
	if ok && len(countBytes) == 8 {
		for i := 0; i < int(binary.BigEndian.Uint64(countBytes)); i++ {
			labels = append(labels, store.OTPKPriv(i))
		}
	}
	for _, label := range labels {
		val, ok, err := s.Get(label)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.Put(store.VersionedArchive(version, label), val); err != nil {
			return err
		}
	}
	return nil
}

// RebuildPublicFromStore reconstructs the public bundle from already-stored
// private material, without sampling any new keypairs. Used by the
// reconciler's Generate-or-Rebuild(rebuild) branch.
func RebuildPublicFromStore(s *store.Store) (PublicBundle, error) {
	identityPub, ok, err := s.Get(store.LabelIdentityPub)
	if err != nil {
		return PublicBundle{}, err
	}
	if !ok {
		return PublicBundle{}, errs.New(errs.KindLocalKeysMissing, "identity_pub absent in secret store")
	}
	identityDHPub, _, err := s.Get(store.LabelIdentityDHPub)
	if err != nil {
		return PublicBundle{}, err
	}
	spkPub, _, err := s.Get(store.LabelSPKPub)
	if err != nil {
		return PublicBundle{}, err
	}
	spkSig, _, err := s.Get(store.LabelSPKSig)
	if err != nil {
		return PublicBundle{}, err
	}
	spkTSBytes, _, err := s.Get(store.LabelSPKTimestamp)
	if err != nil {
		return PublicBundle{}, err
	}
	var spkTS int64
	if len(spkTSBytes) == 8 {
		spkTS = int64(binary.BigEndian.Uint64(spkTSBytes))
	}

	countBytes, _, err := s.Get(store.LabelOTPKCount)
	if err != nil {
		return PublicBundle{}, err
	}
	var count int
	if len(countBytes) == 8 {
		count = int(binary.BigEndian.Uint64(countBytes))
	}

	otpks := make([]OTPKPublic, 0, count)
	for i := 0; i < count; i++ {
		pub, ok, err := s.Get(store.OTPKPub(i))
		if err != nil {
			return PublicBundle{}, err
		}
		if !ok {
			continue
		}
		otpks = append(otpks, OTPKPublic{KeyID: i, Public: base64.StdEncoding.EncodeToString(pub)})
	}

	return PublicBundle{
		CryptoVersion:         CryptoVersion,
		IdentityKeyPublic:     base64.StdEncoding.EncodeToString(identityPub),
		IdentityDHKeyPublic:   base64.StdEncoding.EncodeToString(identityDHPub),
		SignedPrekeyPublic:    base64.StdEncoding.EncodeToString(spkPub),
		SignedPrekeySignature: base64.StdEncoding.EncodeToString(spkSig),
		SignedPrekeyTimestamp: spkTS,
		OneTimePrekeys:        otpks,
	}, nil
}
