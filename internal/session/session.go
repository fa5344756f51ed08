// Package session implements the Session Manager (C6): an in-memory,
// disk-backed cache of per-peer ratcheting sessions with single-flight
// bootstrap de-duplication, grounded in the singleflight.Group pattern from
// pkg/agent/handshake/server.go of the SAGE-X example repo
// (`sf singleflight.Group` + `s.sf.Do(key, func...)`), applied here to
// per-peer X3DH bootstrap instead of DID resolution. It also carries the
// donor's identity-key rotation posture from
// internal/security/identity_key_rotation.go — rotation invalidates old
// material rather than erroring — applied here to a peer's remotely
// rotated identity key instead of a locally scheduled one: a fetched
// bundle whose identity key differs from the one recorded at last
// bootstrap is treated as a rotation event, not a hard failure.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/keymaterial"
	"github.com/silentrelay/e2ee-core/internal/metrics"
	"github.com/silentrelay/e2ee-core/internal/peerbundle"
	"github.com/silentrelay/e2ee-core/internal/ratchetstate"
	"github.com/silentrelay/e2ee-core/internal/store"
	"github.com/silentrelay/e2ee-core/internal/x3dh"
)

// Manager owns the process-wide peer-id → Ratcheting Session map.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ratchetstate.Session

	sf singleflight.Group

	store   *store.Store
	fetcher *peerbundle.Fetcher
	logger  *log.Logger
}

// New constructs a Session Manager backed by the given Secret Store and
// Peer Bundle Fetcher.
func New(s *store.Store, fetcher *peerbundle.Fetcher) *Manager {
	return &Manager{
		sessions: make(map[string]*ratchetstate.Session),
		store:    s,
		fetcher:  fetcher,
		logger:   log.New(os.Stdout, "[SESSION] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// SessionFor implements session_for(peer_id): return the cached session, or
// load it from the Secret Store, or bootstrap a new one via X3DH. Concurrent
// callers for the same peer observe at most one bootstrap (spec §4.6, §5,
// tested by scenario S5).
func (m *Manager) SessionFor(ctx context.Context, peerID string) (*ratchetstate.Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do(peerID, func() (any, error) {
		return m.loadOrBootstrap(ctx, peerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ratchetstate.Session), nil
}

func (m *Manager) loadOrBootstrap(ctx context.Context, peerID string) (*ratchetstate.Session, error) {
	// Re-check the map: another single-flight caller may have inserted
	// while we waited for the singleflight.Group lock.
	m.mu.Lock()
	if s, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	if loaded, ok, err := m.loadFromStore(peerID); err != nil {
		return nil, err
	} else if ok {
		m.mu.Lock()
		m.sessions[peerID] = loaded
		m.mu.Unlock()
		return loaded, nil
	}

	return m.bootstrap(ctx, peerID)
}

func (m *Manager) loadFromStore(peerID string) (*ratchetstate.Session, bool, error) {
	raw, ok, err := m.store.Get(store.Session(peerID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	s, err := ratchetstate.Deserialize(raw)
	if err != nil {
		// Unrecognized version (or corrupt entry): discard and
		// re-bootstrap rather than propagate, per spec §4.6.
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *Manager) bootstrap(ctx context.Context, peerID string) (*ratchetstate.Session, error) {
	start := time.Now()

	peer, err := m.fetcher.Fetch(ctx, peerID)
	if err != nil {
		metrics.RecordBootstrap("error", time.Since(start).Seconds())
		return nil, err
	}

	identityDHPriv, ok, err := m.store.Get(store.LabelIdentityDHPriv)
	if err != nil {
		metrics.RecordBootstrap("error", time.Since(start).Seconds())
		return nil, err
	}
	if !ok {
		metrics.RecordBootstrap("error", time.Since(start).Seconds())
		return nil, errs.New(errs.KindLocalKeysMissing, "identity_dh_priv absent; initialize() has not completed")
	}
	var localPriv [32]byte
	copy(localPriv[:], identityDHPriv)

	result, err := x3dh.Derive(localPriv, peer.IdentityDHKey, peer.SignedPrekey, peer.OneTimePrekey, peer.OneTimePrekeyID)
	if err != nil {
		metrics.RecordBootstrap("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("x3dh derive: %w", err)
	}
	if result.OTPKID != nil {
		metrics.OTPKConsumedTotal.Inc()
	}

	ephemeral := keymaterial.DHKeyPair{Public: result.EphemeralPub}

	s, err := ratchetstate.NewInitiatorSession(peerID, result, peer.SignedPrekey, ephemeral)
	if err != nil {
		metrics.RecordBootstrap("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("initialize ratchet session: %w", err)
	}

	m.mu.Lock()
	m.sessions[peerID] = &s
	m.mu.Unlock()

	// Record the identity key this bootstrap trusted, so a later fetch can
	// detect a rotation (see CheckPeerIdentity) instead of silently
	// re-deriving against a different peer identity.
	if err := m.store.Put(store.PeerIdentityKey(peerID), peer.IdentityKey); err != nil {
		m.logger.Printf("WARNING: failed to persist identity key baseline for peer %s: %v", peerID, err)
	}

	// Persistence is best-effort and lazily retried by a later Save; the
	// critical section above is already closed so a slow disk does not
	// block other bootstraps (spec §4.6).
	if err := m.Save(peerID, &s); err != nil {
		metrics.RecordBootstrap("established", time.Since(start).Seconds())
		return &s, nil
	}

	metrics.RecordBootstrap("established", time.Since(start).Seconds())
	return &s, nil
}

// CheckPeerIdentity implements the donor's identity-key rotation transition
// handling: it fetches the peer's current bundle and compares its identity
// key against the baseline recorded at the last bootstrap. A mismatch is
// treated as a rotation event, not a hard failure — the cached and persisted
// session for peerID is invalidated so the next SessionFor call bootstraps
// fresh against the rotated identity, and the new identity key becomes the
// baseline for future comparisons. Callers that want a rotation detected
// before using a session should call this ahead of SessionFor.
func (m *Manager) CheckPeerIdentity(ctx context.Context, peerID string) error {
	peer, err := m.fetcher.Fetch(ctx, peerID)
	if err != nil {
		return err
	}

	baseline, ok, err := m.store.Get(store.PeerIdentityKey(peerID))
	if err != nil {
		return err
	}

	if ok && !bytes.Equal(baseline, peer.IdentityKey) {
		m.logger.Printf("identity key rotation detected for peer %s; invalidating cached session", peerID)
		metrics.RecordIdentityKeyRotation()

		m.mu.Lock()
		delete(m.sessions, peerID)
		m.mu.Unlock()

		if err := m.store.Delete(store.Session(peerID)); err != nil {
			return fmt.Errorf("invalidate session for rotated peer %s: %w", peerID, err)
		}
	}

	if err := m.store.Put(store.PeerIdentityKey(peerID), peer.IdentityKey); err != nil {
		return fmt.Errorf("persist identity key baseline for peer %s: %w", peerID, err)
	}
	return nil
}

// Save serializes and writes the session under session_<peer_id>.
func (m *Manager) Save(peerID string, s *ratchetstate.Session) error {
	data, err := s.Serialize()
	if err != nil {
		return fmt.Errorf("serialize session for %s: %w", peerID, err)
	}
	return m.store.Put(store.Session(peerID), data)
}

// ClearAll implements clear_all(): drop the in-memory map and delete every
// session_<peer_id> entry, called on logout. Identity material is
// deliberately untouched.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	m.sessions = make(map[string]*ratchetstate.Session)
	m.mu.Unlock()

	return m.store.DeletePrefix("session_")
}
