package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(LabelIdentityPriv, []byte("secret-bytes")))

	value, ok, err := s.Get(LabelIdentityPriv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("secret-bytes"), value)
}

func TestGetMissingLabel(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get(LabelIdentityPriv)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwritesExistingLabel(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(LabelIdentityPub, []byte("v1")))
	require.NoError(t, s.Put(LabelIdentityPub, []byte("v2")))

	value, ok, err := s.Get(LabelIdentityPub)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(LabelFlagGenerated, []byte{1}))
	require.NoError(t, s.Delete(LabelFlagGenerated))

	_, ok, err := s.Get(LabelFlagGenerated)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoolRoundTrip(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.GetBool(LabelFlagUploaded)
	require.NoError(t, err)
	assert.False(t, ok, "absent flag defaults to false")

	require.NoError(t, s.PutBool(LabelFlagUploaded, true))
	ok, err = s.GetBool(LabelFlagUploaded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(Session("alice"), []byte("session-a")))
	require.NoError(t, s.Put(Session("bob"), []byte("session-b")))
	require.NoError(t, s.Put(LabelIdentityPriv, []byte("untouched")))

	require.NoError(t, s.DeletePrefix("session_"))

	_, ok, err := s.Get(Session("alice"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(Session("bob"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(LabelIdentityPriv)
	require.NoError(t, err)
	assert.True(t, ok, "DeletePrefix must not touch unrelated labels")
}

func TestOTPKAndSPKGenerationLabels(t *testing.T) {
	assert.Equal(t, Label("otpk_3_priv"), OTPKPriv(3))
	assert.Equal(t, Label("otpk_3_pub"), OTPKPub(3))
	assert.Equal(t, Label("spk_priv_gen_7"), SPKPrivGen(7))
	assert.Equal(t, Label("session_peer-42"), Session("peer-42"))
	assert.Equal(t, Label("peer_identity_peer-42"), PeerIdentityKey("peer-42"))
	assert.Equal(t, Label("v1_identity_priv"), VersionedArchive(1, LabelIdentityPriv))
}

func TestListPrefix(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(SPKPrivGen(100), []byte("gen-100")))
	require.NoError(t, s.Put(SPKPrivGen(200), []byte("gen-200")))
	require.NoError(t, s.Put(LabelIdentityPriv, []byte("unrelated")))

	labels, err := s.ListPrefix(SPKPrivGenPrefix)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Label{SPKPrivGen(100), SPKPrivGen(200)}, labels)
}

func TestListPrefixEmptyWhenNoneMatch(t *testing.T) {
	s := openTestStore(t)

	labels, err := s.ListPrefix(SPKPrivGenPrefix)
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestReopenWithSameMasterSecretDecrypts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s1, err := Open(path, []byte("same-secret"))
	require.NoError(t, err)
	require.NoError(t, s1.Put(LabelIdentityPriv, []byte("persisted-across-restart")))
	require.NoError(t, s1.Close())

	s2, err := Open(path, []byte("same-secret"))
	require.NoError(t, err)
	defer s2.Close()

	value, ok, err := s2.Get(LabelIdentityPriv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted-across-restart"), value)
}

func TestReopenWithWrongMasterSecretFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s1, err := Open(path, []byte("right-secret"))
	require.NoError(t, err)
	require.NoError(t, s1.Put(LabelIdentityPriv, []byte("sealed")))
	require.NoError(t, s1.Close())

	s2, err := Open(path, []byte("wrong-secret"))
	require.NoError(t, err)
	defer s2.Close()

	_, _, err = s2.Get(LabelIdentityPriv)
	assert.Error(t, err)
}
