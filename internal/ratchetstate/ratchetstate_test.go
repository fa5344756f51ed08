package ratchetstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/keymaterial"
	"github.com/silentrelay/e2ee-core/internal/x3dh"
)

func sampleX3DHResult(t *testing.T) x3dh.Result {
	t.Helper()
	initiatorIdentityDH, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	responderIdentityDH, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	responderSPK, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)

	result, err := x3dh.Derive(initiatorIdentityDH.Private, responderIdentityDH.Public, responderSPK.Public, nil, nil)
	require.NoError(t, err)
	return result
}

func TestNewInitiatorSessionFields(t *testing.T) {
	result := sampleX3DHResult(t)
	peerSPK, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	ephemeral := keymaterial.DHKeyPair{Public: result.EphemeralPub}

	s, err := NewInitiatorSession("peer-1", result, peerSPK.Public, ephemeral)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, s.Version)
	assert.Equal(t, "peer-1", s.PeerID)
	assert.True(t, s.IsInitiator)
	assert.Equal(t, peerSPK.Public, s.RemotePublic)
	assert.Equal(t, result.EphemeralPub, s.Ephemeral.Public)
	assert.NotEqual(t, [32]byte{}, s.RootKey)
	assert.NotEqual(t, [32]byte{}, s.SendingChain)
	assert.NotEqual(t, s.RootKey, s.SendingChain)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	result := sampleX3DHResult(t)
	peerSPK, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	ephemeral := keymaterial.DHKeyPair{Public: result.EphemeralPub}

	original, err := NewInitiatorSession("peer-2", result, peerSPK.Public, ephemeral)
	require.NoError(t, err)

	data, err := original.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, original, restored)
}

func TestDeserializeRejectsUnsupportedVersion(t *testing.T) {
	result := sampleX3DHResult(t)
	peerSPK, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	ephemeral := keymaterial.DHKeyPair{Public: result.EphemeralPub}

	s, err := NewInitiatorSession("peer-3", result, peerSPK.Public, ephemeral)
	require.NoError(t, err)
	s.Version = CurrentVersion + 1

	data, err := s.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestZeroClearsKeyMaterial(t *testing.T) {
	result := sampleX3DHResult(t)
	peerSPK, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	ephemeral, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)

	s, err := NewInitiatorSession("peer-4", result, peerSPK.Public, ephemeral)
	require.NoError(t, err)

	s.Zero()
	assert.Equal(t, [32]byte{}, s.RootKey)
	assert.Equal(t, [32]byte{}, s.SendingChain)
	assert.Equal(t, [32]byte{}, s.Ephemeral.Private)
}

func TestRootKeyDoesNotDependOnPeerID(t *testing.T) {
	result := sampleX3DHResult(t)
	peerSPK, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	ephemeral := keymaterial.DHKeyPair{Public: result.EphemeralPub}

	a, err := NewInitiatorSession("peer-a", result, peerSPK.Public, ephemeral)
	require.NoError(t, err)
	b, err := NewInitiatorSession("peer-b", result, peerSPK.Public, ephemeral)
	require.NoError(t, err)

	// Same X3DH result reused on purpose: only peer_id differs, root/chain
	// derivation depends solely on the shared secret, so this confirms
	// PeerID is bookkeeping, not part of the derivation.
	assert.Equal(t, a.RootKey, b.RootKey)
	assert.NotEqual(t, a.PeerID, b.PeerID)
}
