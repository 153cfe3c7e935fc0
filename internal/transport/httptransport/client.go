// Package httptransport implements transport.BundleService and
// transport.OneTimePrekeyMarker over JSON-over-HTTP against a
// Signal-style bundle service, authenticating with a bearer JWT that
// this client attaches and refreshes itself.
package httptransport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/keystore"
)

// Claims mirrors the bundle service's JWT claim shape so this client
// can inspect its own token's expiry without a round trip.
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	DeviceID uuid.UUID `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenHolder keeps the current access/refresh token pair for one
// logged-in device, refreshing the access token shortly before it
// expires.
type TokenHolder struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// SetTokens installs a freshly issued token pair, e.g. after login or
// a refresh call.
func (t *TokenHolder) SetTokens(access, refresh string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = access
	t.refreshToken = refresh
	t.expiresAt = expiresAt
}

func (t *TokenHolder) needsRefresh() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.accessToken == "" || time.Until(t.expiresAt) < time.Minute
}

func (t *TokenHolder) current() (access, refresh string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.accessToken, t.refreshToken
}

// BundleClient is a JSON-over-HTTP client for the bundle service,
// implementing transport.BundleService and transport.OneTimePrekeyMarker.
type BundleClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenHolder
}

// NewBundleClient builds a client targeting baseURL (e.g.
// "https://bundles.example.com"), authenticating requests with tokens.
func NewBundleClient(baseURL string, tokens *TokenHolder, httpClient *http.Client) *BundleClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &BundleClient{baseURL: baseURL, httpClient: httpClient, tokens: tokens}
}

func (c *BundleClient) refreshIfNeeded(ctx context.Context) error {
	if !c.tokens.needsRefresh() {
		return nil
	}
	_, refresh := c.tokens.current()
	if refresh == "" {
		return errkind.New(errkind.Transport, "no refresh token available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewBufferString(
		fmt.Sprintf(`{"refresh_token":%q}`, refresh)))
	if err != nil {
		return errkind.Wrap(errkind.Transport, "build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transport, "refresh access token", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.New(errkind.Transport, fmt.Sprintf("refresh failed with status %d", resp.StatusCode))
	}

	var body struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		ExpiresAt    time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errkind.Wrap(errkind.Protocol, "decode refresh response", err)
	}
	c.tokens.SetTokens(body.AccessToken, body.RefreshToken, body.ExpiresAt)
	return nil
}

func (c *BundleClient) authedRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := c.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	access, _ := c.tokens.current()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, fmt.Sprintf("%s %s", method, path), err)
	}
	return resp, nil
}

type oneTimePrekeyWire struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
}

type bundleWire struct {
	IdentityKey     string              `json:"identity_key"`
	SigningKey      string              `json:"signing_key"`
	Fingerprint     string              `json:"fingerprint"`
	SignedPrekey    string              `json:"signed_prekey"`
	SignedPrekeyID  uint32              `json:"signed_prekey_id"`
	SignedPrekeySig string              `json:"signed_prekey_signature"`
	OneTimePrekey   *oneTimePrekeyWire  `json:"one_time_prekey,omitempty"`
	OneTimePrekeys  []oneTimePrekeyWire `json:"one_time_prekeys,omitempty"`
}

// FetchBundle retrieves peerID's published prekey bundle.
func (c *BundleClient) FetchBundle(ctx context.Context, peerID string) (keystore.Bundle, error) {
	resp, err := c.authedRequest(ctx, http.MethodGet, "/bundles/"+peerID, nil)
	if err != nil {
		return keystore.Bundle{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return keystore.Bundle{}, errkind.New(errkind.Transport, fmt.Sprintf("fetch bundle failed with status %d", resp.StatusCode))
	}

	var wire bundleWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return keystore.Bundle{}, errkind.Wrap(errkind.Protocol, "decode bundle response", err)
	}
	return decodeBundle(wire)
}

// PublishBundle uploads the local user's own bundle.
func (c *BundleClient) PublishBundle(ctx context.Context, bundle keystore.Bundle) error {
	wire := encodeBundle(bundle)
	body, err := json.Marshal(wire)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, "encode bundle", err)
	}
	resp, err := c.authedRequest(ctx, http.MethodPost, "/bundles", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errkind.New(errkind.Transport, fmt.Sprintf("publish bundle failed with status %d", resp.StatusCode))
	}
	return nil
}

// DecodeClaims parses the current access token's claims without
// verifying its signature, since the server (not this client) holds
// the signing key; it exists purely so a caller can log its own
// user/device id and expiry without a round trip.
func (c *BundleClient) DecodeClaims() (Claims, error) {
	access, _ := c.tokens.current()
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(access, &claims); err != nil {
		return Claims{}, errkind.Wrap(errkind.Protocol, "decode access token claims", err)
	}
	return claims, nil
}

// MarkOneTimePrekeyUsed notifies the bundle service that keyID has
// been consumed by an initiator.
func (c *BundleClient) MarkOneTimePrekeyUsed(ctx context.Context, keyID uint32) error {
	resp, err := c.authedRequest(ctx, http.MethodPost, fmt.Sprintf("/bundles/one-time-prekeys/%d/consume", keyID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errkind.New(errkind.Transport, fmt.Sprintf("mark one-time prekey used failed with status %d", resp.StatusCode))
	}
	return nil
}

func encodeBundle(b keystore.Bundle) bundleWire {
	wire := bundleWire{
		IdentityKey:     base64.StdEncoding.EncodeToString(b.IdentityKey[:]),
		SigningKey:      base64.StdEncoding.EncodeToString(b.SigningKey),
		Fingerprint:     b.Fingerprint,
		SignedPrekey:    base64.StdEncoding.EncodeToString(b.SignedPrekey[:]),
		SignedPrekeyID:  b.SignedPrekeyID,
		SignedPrekeySig: base64.StdEncoding.EncodeToString(b.SignedPrekeySig),
	}
	if len(b.OneTimePrekeys) > 0 {
		wire.OneTimePrekeys = make([]oneTimePrekeyWire, len(b.OneTimePrekeys))
		for i, otp := range b.OneTimePrekeys {
			wire.OneTimePrekeys[i] = oneTimePrekeyWire{
				KeyID:     otp.ID,
				PublicKey: base64.StdEncoding.EncodeToString(otp.Public[:]),
			}
		}
	}
	if b.OneTimePrekey != nil {
		wire.OneTimePrekey = &oneTimePrekeyWire{
			KeyID:     derefUint32(b.OneTimePrekeyID),
			PublicKey: base64.StdEncoding.EncodeToString(b.OneTimePrekey[:]),
		}
	}
	return wire
}

func decodeBundle(w bundleWire) (keystore.Bundle, error) {
	var b keystore.Bundle
	if err := decodeKey32(w.IdentityKey, b.IdentityKey[:]); err != nil {
		return b, err
	}
	signingKey, err := base64.StdEncoding.DecodeString(w.SigningKey)
	if err != nil {
		return b, errkind.Wrap(errkind.Protocol, "decode signing key", err)
	}
	b.SigningKey = signingKey
	b.Fingerprint = w.Fingerprint
	if err := decodeKey32(w.SignedPrekey, b.SignedPrekey[:]); err != nil {
		return b, err
	}
	b.SignedPrekeyID = w.SignedPrekeyID
	sig, err := base64.StdEncoding.DecodeString(w.SignedPrekeySig)
	if err != nil {
		return b, errkind.Wrap(errkind.Protocol, "decode signed prekey signature", err)
	}
	b.SignedPrekeySig = sig
	if w.OneTimePrekey != nil {
		var k [32]byte
		if err := decodeKey32(w.OneTimePrekey.PublicKey, k[:]); err != nil {
			return b, err
		}
		id := w.OneTimePrekey.KeyID
		b.OneTimePrekey = &k
		b.OneTimePrekeyID = &id
	}
	if len(w.OneTimePrekeys) > 0 {
		b.OneTimePrekeys = make([]keystore.OneTimePrekeyPublic, len(w.OneTimePrekeys))
		for i, otp := range w.OneTimePrekeys {
			var k [32]byte
			if err := decodeKey32(otp.PublicKey, k[:]); err != nil {
				return b, err
			}
			b.OneTimePrekeys[i] = keystore.OneTimePrekeyPublic{ID: otp.KeyID, Public: k}
		}
	}
	return b, nil
}

func derefUint32(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

func decodeKey32(s string, out []byte) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, "decode base64 key", err)
	}
	if len(b) != len(out) {
		return errkind.New(errkind.Protocol, "unexpected key length")
	}
	copy(out, b)
	return nil
}
