package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindTransient:          "transient",
		KindReconcilerMismatch: "reconciler_mismatch",
		KindPeerNotProvisioned: "peer_not_provisioned",
		KindBundleMalformed:    "bundle_malformed",
		KindSignatureInvalid:   "signature_invalid",
		KindLocalKeysMissing:   "local_keys_missing",
		KindStorageUnavailable: "storage_unavailable",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
	assert.Equal(t, "unknown", Kind(999).String())
}

func TestNewAndIs(t *testing.T) {
	err := New(KindPeerNotProvisioned, "peer has no bundle")
	assert.True(t, Is(err, KindPeerNotProvisioned))
	assert.False(t, Is(err, KindTransient))
	assert.Equal(t, "peer has no bundle", err.Error())
}

func TestWrapUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	wrapped := Wrap(KindTransient, "directory request failed", underlying)

	assert.True(t, Is(wrapped, KindTransient))
	assert.ErrorIs(t, wrapped, underlying)
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("not a core error"), KindTransient))
}

func TestErrorsAsThroughFmtWrap(t *testing.T) {
	base := New(KindSignatureInvalid, "bad signature")
	wrapped := fmt.Errorf("verify peer bundle: %w", base)

	require.True(t, Is(wrapped, KindSignatureInvalid))
}

func TestSentinels(t *testing.T) {
	assert.True(t, Is(ErrPeerIsSelf, KindBundleMalformed))
	assert.True(t, Is(ErrSessionNotEstablished, KindLocalKeysMissing))
}
