// Package store implements the Secret Store (C1): an opaque, labelled,
// persistent byte-string map that survives process restart and keeps its
// contents confidential at rest, backed by an embedded SQLite database and
// an Argon2id-derived AES-256-GCM envelope, in the manner of the donor's
// internal/security/argon2.go and signal.go AES-GCM helpers.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/argon2"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// Label enumerates the typo-proof set of keys other components may use.
// Per-index labels (otpk_<i>_priv, otpk_<i>_pub, session_<peer_id>) are
// produced by the OTPKPriv/OTPKPub/Session helpers below rather than being
// enumerated, since their count is unbounded.
type Label string

const (
	LabelIdentityPriv   Label = "identity_priv"
	LabelIdentityPub    Label = "identity_pub"
	LabelIdentityDHPriv Label = "identity_dh_priv"
	LabelIdentityDHPub  Label = "identity_dh_pub"
	LabelSPKPriv        Label = "spk_priv"
	LabelSPKPub         Label = "spk_pub"
	LabelSPKSig         Label = "spk_sig"
	LabelSPKTimestamp   Label = "spk_ts"
	LabelOTPKCount      Label = "otpk_count"
	LabelFlagGenerated  Label = "flag_generated"
	LabelFlagUploaded   Label = "flag_uploaded"
	LabelDeviceID       Label = "device_id"
	LabelCryptoVersion  Label = "crypto_version"
)

// OTPKPriv returns the label for one-time prekey i's private half.
func OTPKPriv(i int) Label { return Label("otpk_" + strconv.Itoa(i) + "_priv") }

// OTPKPub returns the label for one-time prekey i's public half.
func OTPKPub(i int) Label { return Label("otpk_" + strconv.Itoa(i) + "_pub") }

// SPKPrivGenPrefix is the common prefix of every retired signed prekey
// label, used with ListPrefix to enumerate them for grace-window eviction.
const SPKPrivGenPrefix = "spk_priv_gen_"

// SPKPrivGen returns the label for a retired signed prekey's private half,
// kept during the rotation grace window under its own generation number.
func SPKPrivGen(generation int) Label { return Label(SPKPrivGenPrefix + strconv.Itoa(generation)) }

// Session returns the label under which a peer's serialized ratcheting
// session is persisted.
func Session(peerID string) Label { return Label("session_" + peerID) }

// PeerIdentityKey returns the label under which a peer's identity key, as
// last observed on a fetched bundle, is recorded — used to detect identity
// key rotation on a later fetch.
func PeerIdentityKey(peerID string) Label { return Label("peer_identity_" + peerID) }

// VersionedArchive returns the label under which a private value produced
// under an older crypto version is retained after a version upgrade, so
// sessions already established under that version can still be decrypted.
func VersionedArchive(version int, label Label) Label {
	return Label("v" + strconv.Itoa(version) + "_" + string(label))
}

const schema = `
CREATE TABLE IF NOT EXISTS secrets (
	label TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS store_meta (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Store is the Secret Store: a sqlite3-backed, AES-256-GCM-encrypted
// labelled byte-string map.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	aesKey [32]byte
}

// argon2KDFParams mirror the donor's HighSecurityArgon2Params: this key
// protects every other secret the store holds, so it uses the stronger of
// the donor's two parameter sets.
const (
	argon2Time      = 3
	argon2MemoryKiB = 128 * 1024
	argon2Threads   = 4
	argon2KeyLength = 32
	saltLength      = 16
)

// Open opens (creating if necessary) a Secret Store at path, deriving its
// at-rest encryption key from masterSecret via Argon2id. masterSecret is
// typically sourced from the platform keychain or, per internal/config, from
// Vault or an environment variable — never hard-coded.
func Open(path string, masterSecret []byte) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "open secret store", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.KindStorageUnavailable, "initialize secret store schema", err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	key := argon2.IDKey(masterSecret, salt, argon2Time, argon2MemoryKiB, argon2Threads, argon2KeyLength)

	s := &Store{db: db}
	copy(s.aesKey[:], key)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = 'kdf_salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "read store salt", err)
	}

	salt = make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "generate store salt", err)
	}
	if _, err := db.Exec(`INSERT INTO store_meta (key, value) VALUES ('kdf_salt', ?)`, salt); err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "persist store salt", err)
	}
	return salt, nil
}

// Put overwrites the entry at label with plaintext bytes, encrypting before
// it touches disk.
func (s *Store) Put(label Label, plaintext []byte) error {
	ciphertext, err := s.seal(plaintext)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "encrypt secret store entry", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO secrets (label, value) VALUES (?, ?)
		 ON CONFLICT(label) DO UPDATE SET value = excluded.value`,
		string(label), ciphertext,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "write secret store entry", err)
	}
	return nil
}

// Get returns the bytes stored at label, or (nil, false) if absent.
func (s *Store) Get(label Label) ([]byte, bool, error) {
	s.mu.Lock()
	var ciphertext []byte
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE label = ?`, string(label)).Scan(&ciphertext)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorageUnavailable, "read secret store entry", err)
	}

	plaintext, err := s.open(ciphertext)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorageUnavailable, "decrypt secret store entry", err)
	}
	return plaintext, true, nil
}

// Delete removes the entry at label, if present.
func (s *Store) Delete(label Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM secrets WHERE label = ?`, string(label)); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "delete secret store entry", err)
	}
	return nil
}

// GetBool is a convenience wrapper for the two lifecycle flags.
func (s *Store) GetBool(label Label) (bool, error) {
	b, ok, err := s.Get(label)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return len(b) == 1 && b[0] == 1, nil
}

// PutBool is a convenience wrapper for the two lifecycle flags.
func (s *Store) PutBool(label Label, value bool) error {
	b := byte(0)
	if value {
		b = 1
	}
	return s.Put(label, []byte{b})
}

// DeletePrefix deletes every label beginning with prefix, used by
// clear_all() to drop every session_<peer_id> entry without enumerating
// peer ids.
func (s *Store) DeletePrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM secrets WHERE label LIKE ? || '%'`, prefix); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "delete secret store prefix", err)
	}
	return nil
}

// ListPrefix returns every label beginning with prefix, used to enumerate an
// unbounded family of per-generation entries (e.g. retired signed prekeys)
// that, unlike session_<peer_id> entries, must be inspected rather than
// blanket-deleted.
func (s *Store) ListPrefix(prefix string) ([]Label, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT label FROM secrets WHERE label LIKE ? || '%'`, prefix)
	s.mu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "list secret store prefix", err)
	}
	defer rows.Close()

	var labels []Label
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, errs.Wrap(errs.KindStorageUnavailable, "scan secret store label", err)
		}
		labels = append(labels, Label(l))
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "list secret store prefix", err)
	}
	return labels, nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.aesKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.aesKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
