// Package directory is the outbound HTTP client to the four directory
// endpoints the key-agreement core consumes (spec §6). Transport is
// TLS-pinned (transport.go, adapted from the donor's
// internal/security/certpinning.go); the bearer token's expiry is inspected
// with github.com/golang-jwt/jwt/v5 purely to refresh ahead of a 401
// round-trip, never to verify a signature the client has no key for.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/keymaterial"
	"github.com/silentrelay/e2ee-core/internal/metrics"
)

// TokenSource supplies the bearer token for directory calls and refreshes
// it on demand. It is owned by the surrounding auth layer; the directory
// client only consumes it.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// Client is the directory HTTP client.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPins enables certificate pinning on the client's transport.
func WithPins(pins, backupPins []string) Option {
	return func(c *Client) {
		c.http.Transport = newPinnedHTTPClient(pins, backupPins).Transport
	}
}

// New constructs a directory Client. timeout bounds every call (spec §5
// suggests 10s).
func New(baseURL string, tokens TokenSource, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout, Transport: newPinnedHTTPClient(nil, nil).Transport},
		logger:  log.New(os.Stdout, "[DIRECTORY] ", log.Ldate|log.Ltime|log.LUTC),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CountResponse is the response body of GET /encryption/keys/count/.
type CountResponse struct {
	HasKeyBundle       bool `json:"has_key_bundle"`
	AvailablePrekeys   int  `json:"available_prekeys"`
	SignedPrekeyStale  bool `json:"signed_prekey_stale"`
	NeedsReplenish     bool `json:"needs_replenish"`
}

// UploadResponse is the response body of POST /encryption/keys/upload/.
type UploadResponse struct {
	PrekeysCreated   int `json:"prekeys_created"`
	PrekeysAvailable int `json:"prekeys_available"`
	SignedPrekeyID   int `json:"signed_prekey_id"`
	CryptoVersion    int `json:"crypto_version"`
}

// PeerBundle is the response body of GET /encryption/keys/{peer_id}/.
type PeerBundle struct {
	UserID                 int     `json:"user_id"`
	CryptoVersion          int     `json:"crypto_version"`
	IdentityKey            string  `json:"identity_key"`
	IdentityDHKey          string  `json:"identity_dh_key"`
	SignedPrekey           string  `json:"signed_prekey"`
	SignedPrekeySignature  string  `json:"signed_prekey_signature"`
	SignedPrekeyID         int     `json:"signed_prekey_id"`
	SignedPrekeyTimestamp  *int64  `json:"signed_prekey_timestamp"`
	OneTimePrekey          *string `json:"one_time_prekey"`
	OneTimePrekeyID        *int    `json:"one_time_prekey_id"`
	PrekeysRemaining       int     `json:"prekeys_remaining"`
}

type uploadBody struct {
	CryptoVersion         int      `json:"crypto_version"`
	IdentityKeyPublic     string   `json:"identity_key_public"`
	IdentityDHKeyPublic   string   `json:"identity_dh_key_public"`
	SignedPrekeyPublic    string   `json:"signed_prekey_public"`
	SignedPrekeySignature string   `json:"signed_prekey_signature"`
	SignedPrekeyTimestamp int64    `json:"signed_prekey_timestamp"`
	OneTimePrekeys        []string `json:"one_time_prekeys"`
}

// Count calls GET /encryption/keys/count/.
func (c *Client) Count(ctx context.Context) (CountResponse, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodGet, "/encryption/keys/count/", nil, &out, "count")
	return out, err
}

// Upload calls POST /encryption/keys/upload/ with the full public bundle.
func (c *Client) Upload(ctx context.Context, bundle keymaterial.PublicBundle) (UploadResponse, error) {
	otpks := make([]string, len(bundle.OneTimePrekeys))
	for i, o := range bundle.OneTimePrekeys {
		otpks[i] = o.Public
	}
	body := uploadBody{
		CryptoVersion:         bundle.CryptoVersion,
		IdentityKeyPublic:     bundle.IdentityKeyPublic,
		IdentityDHKeyPublic:   bundle.IdentityDHKeyPublic,
		SignedPrekeyPublic:    bundle.SignedPrekeyPublic,
		SignedPrekeySignature: bundle.SignedPrekeySignature,
		SignedPrekeyTimestamp: bundle.SignedPrekeyTimestamp,
		OneTimePrekeys:        otpks,
	}
	var out UploadResponse
	err := c.do(ctx, http.MethodPost, "/encryption/keys/upload/", body, &out, "upload")
	return out, err
}

// UploadOTPKs uploads only a fresh batch of one-time prekeys (replenishment),
// leaving the signed prekey fields zero so the server knows to leave it
// untouched. Grounded in spec §4.3's check_and_replenish entry point.
func (c *Client) UploadOTPKs(ctx context.Context, otpks []keymaterial.OTPKPublic) (UploadResponse, error) {
	publics := make([]string, len(otpks))
	for i, o := range otpks {
		publics[i] = o.Public
	}
	var out UploadResponse
	err := c.do(ctx, http.MethodPost, "/encryption/keys/upload/", uploadBody{OneTimePrekeys: publics}, &out, "replenish")
	return out, err
}

// FetchPeerBundle calls GET /encryption/keys/{peer_id}/.
func (c *Client) FetchPeerBundle(ctx context.Context, peerID string) (PeerBundle, error) {
	var out PeerBundle
	err := c.do(ctx, http.MethodGet, "/encryption/keys/"+peerID+"/", nil, &out, "fetch_peer")
	if err != nil {
		return PeerBundle{}, err
	}
	return out, nil
}

// maybeRefresh proactively refreshes the bearer token if its exp claim is
// within 30 seconds of expiring, inspected (never verified — the client
// holds no server signing key) with jwt/v5, matching the donor's own
// dependency on golang-jwt/jwt/v5 for token handling.
func (c *Client) maybeRefresh(ctx context.Context) string {
	token := c.tokens.Token()
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if expVal, ok := claims["exp"]; ok {
			if expFloat, ok := expVal.(float64); ok {
				exp := time.Unix(int64(expFloat), 0)
				if time.Until(exp) < 30*time.Second {
					if fresh, err := c.tokens.Refresh(ctx); err == nil {
						return fresh
					}
				}
			}
		}
	}
	return token
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any, out any, metricEndpoint string) error {
	token := c.maybeRefresh(ctx)

	resp, err := c.doOnce(ctx, method, path, reqBody, token)
	if err != nil {
		metrics.RecordDirectoryRequest(metricEndpoint, "transient")
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("directory %s", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		fresh, refreshErr := c.tokens.Refresh(ctx)
		if refreshErr != nil {
			metrics.RecordDirectoryRequest(metricEndpoint, "401")
			return errs.Wrap(errs.KindTransient, "directory auth token expired and refresh failed", refreshErr)
		}
		resp.Body.Close()
		resp, err = c.doOnce(ctx, method, path, reqBody, fresh)
		if err != nil {
			metrics.RecordDirectoryRequest(metricEndpoint, "transient")
			return errs.Wrap(errs.KindTransient, fmt.Sprintf("directory %s retry", path), err)
		}
		defer resp.Body.Close()
	}

	return c.handleResponse(resp, out, metricEndpoint)
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody any, token string) (*http.Response, error) {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) handleResponse(resp *http.Response, out any, metricEndpoint string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.RecordDirectoryRequest(metricEndpoint, "ok")
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(errs.KindBundleMalformed, "decode directory response", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.RecordDirectoryRequest(metricEndpoint, "404")
		return errs.New(errs.KindPeerNotProvisioned, "directory returned 404")
	case resp.StatusCode == http.StatusBadRequest:
		metrics.RecordDirectoryRequest(metricEndpoint, "400")
		return errs.New(errs.KindBundleMalformed, "directory returned 400")
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordDirectoryRequest(metricEndpoint, "429")
		return errs.New(errs.KindTransient, "directory rate-limited request")
	case resp.StatusCode >= 500:
		metrics.RecordDirectoryRequest(metricEndpoint, "5xx")
		return errs.New(errs.KindTransient, fmt.Sprintf("directory returned %d", resp.StatusCode))
	default:
		metrics.RecordDirectoryRequest(metricEndpoint, "unexpected")
		return errs.New(errs.KindTransient, fmt.Sprintf("directory returned unexpected status %d", resp.StatusCode))
	}
}

// StaticTokenSource is a TokenSource backed by a fixed token, for callers
// whose auth layer does not support refresh (Refresh is a no-op error).
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps a fixed bearer token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token() string { return s.token }

func (s *StaticTokenSource) Refresh(_ context.Context) (string, error) {
	return "", fmt.Errorf("static token source does not support refresh")
}
