package peerbundle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/directory"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/keymaterial"
)

func bundleServer(t *testing.T, respond func(w http.ResponseWriter)) *directory.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w)
	}))
	t.Cleanup(server.Close)
	return directory.New(server.URL, directory.NewStaticTokenSource("token"), 5*time.Second)
}

func validPeerBundleJSON(t *testing.T) directory.PeerBundle {
	t.Helper()
	signing, err := keymaterial.GenerateSigningKeyPair()
	require.NoError(t, err)
	identityDH, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	spk, err := keymaterial.GenerateSignedPrekey(signing.Private)
	require.NoError(t, err)

	return directory.PeerBundle{
		UserID:                1,
		CryptoVersion:         2,
		IdentityKey:           base64.StdEncoding.EncodeToString(signing.Public),
		IdentityDHKey:         base64.StdEncoding.EncodeToString(identityDH.Public[:]),
		SignedPrekey:          base64.StdEncoding.EncodeToString(spk.Public[:]),
		SignedPrekeySignature: base64.StdEncoding.EncodeToString(spk.Signature),
		SignedPrekeyID:        1,
		SignedPrekeyTimestamp: &spk.Timestamp,
		PrekeysRemaining:      5,
	}
}

func TestFetchRejectsSelf(t *testing.T) {
	f := New(nil, "self-id", true)
	_, err := f.Fetch(context.Background(), "self-id")
	assert.ErrorIs(t, err, errs.ErrPeerIsSelf)
}

func TestFetchVerifiesValidBundle(t *testing.T) {
	raw := validPeerBundleJSON(t)
	dir := bundleServer(t, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(raw)
	})

	f := New(dir, "self-id", true)
	decoded, err := f.Fetch(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.CryptoVersion)
	assert.Len(t, decoded.IdentityDHKey, 32)
}

func TestFetchFailsClosedOnBadSignature(t *testing.T) {
	raw := validPeerBundleJSON(t)
	raw.SignedPrekeySignature = base64.StdEncoding.EncodeToString(make([]byte, 64))
	dir := bundleServer(t, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(raw)
	})

	f := New(dir, "self-id", true)
	_, err := f.Fetch(context.Background(), "peer-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindSignatureInvalid))
}

func TestFetchFailsOpenWhenConfigured(t *testing.T) {
	raw := validPeerBundleJSON(t)
	raw.SignedPrekeySignature = base64.StdEncoding.EncodeToString(make([]byte, 64))
	dir := bundleServer(t, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(raw)
	})

	f := New(dir, "self-id", false)
	decoded, err := f.Fetch(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.CryptoVersion)
}

func TestFetchRejectsUnsupportedCryptoVersion(t *testing.T) {
	raw := validPeerBundleJSON(t)
	raw.CryptoVersion = 1
	dir := bundleServer(t, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(raw)
	})

	f := New(dir, "self-id", true)
	_, err := f.Fetch(context.Background(), "peer-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBundleMalformed))
}

func TestFetchPropagatesOneTimePrekey(t *testing.T) {
	raw := validPeerBundleJSON(t)
	otpk, err := keymaterial.GenerateDHKeyPair()
	require.NoError(t, err)
	otpkPub := base64.StdEncoding.EncodeToString(otpk.Public[:])
	raw.OneTimePrekey = &otpkPub
	id := 9
	raw.OneTimePrekeyID = &id

	dir := bundleServer(t, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(raw)
	})

	f := New(dir, "self-id", true)
	decoded, err := f.Fetch(context.Background(), "peer-1")
	require.NoError(t, err)
	require.NotNil(t, decoded.OneTimePrekey)
	require.NotNil(t, decoded.OneTimePrekeyID)
	assert.Equal(t, 9, *decoded.OneTimePrekeyID)
}
