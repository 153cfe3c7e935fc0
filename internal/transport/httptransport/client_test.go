package httptransport_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kaelmesh/whisperlink/internal/keystore"
	"github.com/kaelmesh/whisperlink/internal/transport/httptransport"
)

func newAuthedClient(t *testing.T, server *httptest.Server) *httptransport.BundleClient {
	t.Helper()
	tokens := &httptransport.TokenHolder{}
	tokens.SetTokens("access-token", "refresh-token", time.Now().Add(time.Hour))
	return httptransport.NewBundleClient(server.URL, tokens, server.Client())
}

func TestFetchBundleDecodesServerResponse(t *testing.T) {
	var identity [32]byte
	copy(identity[:], []byte("0123456789abcdef0123456789abcdef"))

	mux := http.NewServeMux()
	mux.HandleFunc("/bundles/bob", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"identity_key":            "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			"signing_key":             "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			"fingerprint":             "aabbccddeeff00112233445566778899aabbccddeeff001122334455",
			"signed_prekey":           "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			"signed_prekey_id":        1,
			"signed_prekey_signature": "c2lnbmF0dXJl",
			"one_time_prekey": map[string]any{
				"key_id":     3,
				"public_key": "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newAuthedClient(t, server)
	bundle, err := client.FetchBundle(t.Context(), "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(1), bundle.SignedPrekeyID)
	require.Equal(t, "aabbccddeeff00112233445566778899aabbccddeeff001122334455", bundle.Fingerprint)
	require.NotNil(t, bundle.OneTimePrekey)
	require.Equal(t, uint32(3), *bundle.OneTimePrekeyID)
}

func TestPublishBundleSendsEncodedPayload(t *testing.T) {
	var received map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/bundles", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newAuthedClient(t, server)

	var bundle keystore.Bundle
	copy(bundle.IdentityKey[:], []byte("0123456789abcdef0123456789abcdef"))
	bundle.SignedPrekeyID = 5
	bundle.Fingerprint = "aabbccddeeff00112233445566778899aabbccddeeff001122334455"
	bundle.OneTimePrekeys = []keystore.OneTimePrekeyPublic{{ID: 9, Public: bundle.IdentityKey}}

	err := client.PublishBundle(t.Context(), bundle)
	require.NoError(t, err)
	require.Equal(t, float64(5), received["signed_prekey_id"])
	require.Equal(t, bundle.Fingerprint, received["fingerprint"])
	otps, ok := received["one_time_prekeys"].([]any)
	require.True(t, ok)
	require.Len(t, otps, 1)
}

func TestMarkOneTimePrekeyUsedSurfacesNonSuccessStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bundles/one-time-prekeys/7/consume", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newAuthedClient(t, server)
	err := client.MarkOneTimePrekeyUsed(t.Context(), 7)
	require.Error(t, err)
}

func TestDecodeClaimsParsesSignedTokenWithoutVerifying(t *testing.T) {
	userID := uuid.New()
	deviceID := uuid.New()
	claims := httptransport.Claims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-only-secret"))
	require.NoError(t, err)

	tokens := &httptransport.TokenHolder{}
	tokens.SetTokens(signed, "", time.Now().Add(time.Hour))

	client := httptransport.NewBundleClient("http://example.invalid", tokens, nil)
	decoded, err := client.DecodeClaims()
	require.NoError(t, err)
	require.Equal(t, userID, decoded.UserID)
	require.Equal(t, deviceID, decoded.DeviceID)
}
