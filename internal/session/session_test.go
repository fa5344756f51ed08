package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/directory"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/keymaterial"
	"github.com/silentrelay/e2ee-core/internal/peerbundle"
	"github.com/silentrelay/e2ee-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := store.Open(path, []byte("session-test-secret"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// peerBundleFetcher returns a peerbundle.Fetcher backed by a test server
// that always serves a freshly generated, validly-signed bundle for any
// peer id requested, and reports how many times it was called.
func peerBundleFetcher(t *testing.T) (*peerbundle.Fetcher, *int32) {
	t.Helper()
	signing, err := keymaterial.GenerateSigningKeyPair()
	require.NoError(t, err)
	identityDH, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	spk, err := keymaterial.GenerateSignedPrekey(signing.Private)
	require.NoError(t, err)

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(directory.PeerBundle{
			CryptoVersion:         2,
			IdentityKey:           base64.StdEncoding.EncodeToString(signing.Public),
			IdentityDHKey:         base64.StdEncoding.EncodeToString(identityDH.Public[:]),
			SignedPrekey:          base64.StdEncoding.EncodeToString(spk.Public[:]),
			SignedPrekeySignature: base64.StdEncoding.EncodeToString(spk.Signature),
			SignedPrekeyTimestamp: &spk.Timestamp,
		})
	}))
	t.Cleanup(server.Close)

	dir := directory.New(server.URL, directory.NewStaticTokenSource("token"), 5*time.Second)
	return peerbundle.New(dir, "local-peer", true), &calls
}

// rotatingBundleFetcher is like peerBundleFetcher but lets the test swap the
// identity signing key served for subsequent fetches, simulating a peer
// rotating their identity key.
func rotatingBundleFetcher(t *testing.T) (fetcher *peerbundle.Fetcher, rotate func(), calls *int32) {
	t.Helper()
	signing, err := keymaterial.GenerateSigningKeyPair()
	require.NoError(t, err)
	identityDH, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	spk, err := keymaterial.GenerateSignedPrekey(signing.Private)
	require.NoError(t, err)

	var mu sync.Mutex
	var n int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		mu.Lock()
		cur, curSPK := signing, spk
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(directory.PeerBundle{
			CryptoVersion:         2,
			IdentityKey:           base64.StdEncoding.EncodeToString(cur.Public),
			IdentityDHKey:         base64.StdEncoding.EncodeToString(identityDH.Public[:]),
			SignedPrekey:          base64.StdEncoding.EncodeToString(curSPK.Public[:]),
			SignedPrekeySignature: base64.StdEncoding.EncodeToString(curSPK.Signature),
			SignedPrekeyTimestamp: &curSPK.Timestamp,
		})
	}))
	t.Cleanup(server.Close)

	dir := directory.New(server.URL, directory.NewStaticTokenSource("token"), 5*time.Second)

	rotateFn := func() {
		newSigning, err := keymaterial.GenerateSigningKeyPair()
		require.NoError(t, err)
		newSPK, err := keymaterial.GenerateSignedPrekey(newSigning.Private)
		require.NoError(t, err)
		mu.Lock()
		signing, spk = newSigning, newSPK
		mu.Unlock()
	}

	return peerbundle.New(dir, "local-peer", true), rotateFn, &n
}

func seedLocalIdentity(t *testing.T, s *store.Store) {
	t.Helper()
	kp, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	require.NoError(t, s.Put(store.LabelIdentityDHPriv, kp.Private[:]))
}

func TestSessionForBootstrapsOnFirstCall(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, calls := peerBundleFetcher(t)

	m := New(s, fetcher)
	sess, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.True(t, sess.IsInitiator)
	assert.Equal(t, "peer-1", sess.PeerID)
	assert.EqualValues(t, 1, *calls)
}

func TestSessionForReturnsCachedSessionWithoutRefetching(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, calls := peerBundleFetcher(t)

	m := New(s, fetcher)
	first, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)
	second, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, *calls)
}

func TestSessionForFailsWithoutLocalIdentity(t *testing.T) {
	s := openTestStore(t)
	fetcher, _ := peerBundleFetcher(t)

	m := New(s, fetcher)
	_, err := m.SessionFor(context.Background(), "peer-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLocalKeysMissing))
}

func TestSessionForDeduplicatesConcurrentBootstraps(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, calls := peerBundleFetcher(t)

	m := New(s, fetcher)

	var wg sync.WaitGroup
	sessions := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := m.SessionFor(context.Background(), "shared-peer")
			require.NoError(t, err)
			sessions[i] = sess.PeerID
		}(i)
	}
	wg.Wait()

	for _, id := range sessions {
		assert.Equal(t, "shared-peer", id)
	}
	assert.EqualValues(t, 1, *calls, "concurrent callers for the same peer must share one bootstrap")
}

func TestSessionSurvivesProcessRestartViaStore(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, calls := peerBundleFetcher(t)

	m1 := New(s, fetcher)
	original, err := m1.SessionFor(context.Background(), "peer-durable")
	require.NoError(t, err)

	// New manager, same underlying store: must load rather than re-bootstrap.
	m2 := New(s, fetcher)
	reloaded, err := m2.SessionFor(context.Background(), "peer-durable")
	require.NoError(t, err)

	assert.Equal(t, original.RootKey, reloaded.RootKey)
	assert.EqualValues(t, 1, *calls)
}

func TestClearAllRemovesSessionsButKeepsIdentity(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, _ := peerBundleFetcher(t)

	m := New(s, fetcher)
	_, err := m.SessionFor(context.Background(), "peer-logout")
	require.NoError(t, err)

	require.NoError(t, m.ClearAll())

	_, ok, err := s.Get(store.Session("peer-logout"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(store.LabelIdentityDHPriv)
	require.NoError(t, err)
	assert.True(t, ok, "logout must not touch identity material")
}

func TestCheckPeerIdentityRecordsBaselineOnFirstCall(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, _, _ := rotatingBundleFetcher(t)

	m := New(s, fetcher)
	require.NoError(t, m.CheckPeerIdentity(context.Background(), "peer-1"))

	_, ok, err := s.Get(store.PeerIdentityKey("peer-1"))
	require.NoError(t, err)
	assert.True(t, ok, "first check must record a baseline identity key")
}

func TestCheckPeerIdentityIsNoOpWhenUnchanged(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, _, _ := rotatingBundleFetcher(t)

	m := New(s, fetcher)
	sess, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)

	require.NoError(t, m.CheckPeerIdentity(context.Background(), "peer-1"))

	still, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Same(t, sess, still, "unchanged identity key must not invalidate the cached session")
}

func TestCheckPeerIdentityInvalidatesSessionOnRotation(t *testing.T) {
	s := openTestStore(t)
	seedLocalIdentity(t, s)
	fetcher, rotate, calls := rotatingBundleFetcher(t)

	m := New(s, fetcher)
	original, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, *calls)

	rotate()
	require.NoError(t, m.CheckPeerIdentity(context.Background(), "peer-1"))

	_, ok, err := s.Get(store.Session("peer-1"))
	require.NoError(t, err)
	assert.False(t, ok, "rotation must invalidate the persisted session")

	reestablished, err := m.SessionFor(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.NotSame(t, original, reestablished, "rotation must force a fresh bootstrap")

	baseline, ok, err := s.Get(store.PeerIdentityKey("peer-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, baseline)
}
