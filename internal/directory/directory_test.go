package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/keymaterial"
)

const testToken = "plain-bearer-token-no-exp-claim"

func TestCountSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/encryption/keys/count/", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(CountResponse{HasKeyBundle: true, AvailablePrekeys: 12})
	}))
	defer server.Close()

	c := New(server.URL, NewStaticTokenSource(testToken), 5*time.Second)
	resp, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.HasKeyBundle)
	assert.Equal(t, 12, resp.AvailablePrekeys)
}

func TestFetchPeerBundleNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, NewStaticTokenSource(testToken), 5*time.Second)
	_, err := c.FetchPeerBundle(context.Background(), "peer-404")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPeerNotProvisioned))
}

func TestUploadEncodesBundleFields(t *testing.T) {
	var captured uploadBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(UploadResponse{PrekeysCreated: 100})
	}))
	defer server.Close()

	c := New(server.URL, NewStaticTokenSource(testToken), 5*time.Second)
	bundle := keymaterial.PublicBundle{
		CryptoVersion:         2,
		IdentityKeyPublic:     "id-pub",
		IdentityDHKeyPublic:   "dh-pub",
		SignedPrekeyPublic:    "spk-pub",
		SignedPrekeySignature: "sig",
		SignedPrekeyTimestamp: 1700000000,
		OneTimePrekeys:        []keymaterial.OTPKPublic{{KeyID: 0, Public: "otpk-0"}},
	}

	resp, err := c.Upload(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, 100, resp.PrekeysCreated)
	assert.Equal(t, "id-pub", captured.IdentityKeyPublic)
	assert.Equal(t, []string{"otpk-0"}, captured.OneTimePrekeys)
}

func TestRateLimitedMapsToTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(server.URL, NewStaticTokenSource(testToken), 5*time.Second)
	_, err := c.Count(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransient))
}

// refreshingTokenSource always presents a token the server rejects once,
// so the client's 401-retry-after-refresh path is exercised explicitly.
type refreshingTokenSource struct {
	current   string
	refreshed string
}

func (r *refreshingTokenSource) Token() string { return r.current }

func (r *refreshingTokenSource) Refresh(_ context.Context) (string, error) {
	return r.refreshed, nil
}

func TestUnauthorizedTriggersRefreshAndRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer fresh-token" {
			_ = json.NewEncoder(w).Encode(CountResponse{HasKeyBundle: true})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(server.URL, &refreshingTokenSource{current: "stale-token", refreshed: "fresh-token"}, 5*time.Second)
	resp, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.HasKeyBundle)
	assert.GreaterOrEqual(t, calls, 2)
}
