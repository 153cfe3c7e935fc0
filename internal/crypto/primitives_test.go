package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wcrypto "github.com/kaelmesh/whisperlink/internal/crypto"
)

func TestX25519KeyExchangeAgrees(t *testing.T) {
	alice, err := wcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	bob, err := wcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	aliceShared, err := wcrypto.X25519(alice.Private, bob.Public)
	require.NoError(t, err)
	bobShared, err := wcrypto.X25519(bob.Private, alice.Public)
	require.NoError(t, err)

	assert.Equal(t, aliceShared, bobShared)
}

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	kp, err := wcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)

	msg := []byte("signed prekey bytes")
	sig := wcrypto.Sign(kp.Private, msg)

	assert.True(t, wcrypto.Verify(kp.Public, msg, sig))
	assert.False(t, wcrypto.Verify(kp.Public, []byte("tampered"), sig))
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	plaintext := []byte("hello ratchet")
	ct, err := wcrypto.Seal(key, plaintext)
	require.NoError(t, err)

	pt, err := wcrypto.Open(key, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ct, err := wcrypto.Seal(key, []byte("hello"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = wcrypto.Open(key, ct)
	assert.Error(t, err)
}

func TestSealAESGCMRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	plaintext := []byte("vault key material")
	nonce, ct, err := wcrypto.SealAESGCM(key, plaintext)
	require.NoError(t, err)

	pt, err := wcrypto.OpenAESGCM(key, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestOpenAESGCMRejectsWrongKey(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var wrongKey [32]byte
	copy(wrongKey[:], []byte("fedcba9876543210fedcba9876543210"))

	nonce, ct, err := wcrypto.SealAESGCM(key, []byte("secret"))
	require.NoError(t, err)

	_, err = wcrypto.OpenAESGCM(wrongKey, nonce, ct)
	assert.Error(t, err)
}

func TestHKDFIsDeterministic(t *testing.T) {
	ikm := []byte("shared secret material")
	out1, err := wcrypto.HKDF(ikm, []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	out2, err := wcrypto.HKDF(ikm, []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	out3, err := wcrypto.HKDF(ikm, []byte("salt"), []byte("different-info"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, out1, out3)
}

func TestDeriveVaultKeyIsDeterministicForSameSaltAndCost(t *testing.T) {
	salt := []byte("0123456789abcdef")
	params := wcrypto.DefaultArgon2Params()

	k1 := wcrypto.DeriveVaultKey("correct horse battery staple", salt, params)
	k2 := wcrypto.DeriveVaultKey("correct horse battery staple", salt, params)
	assert.Equal(t, k1, k2)

	k3 := wcrypto.DeriveVaultKey("wrong password", salt, params)
	assert.NotEqual(t, k1, k3)
}

func TestFingerprintIsDeterministicAndFixedWidth(t *testing.T) {
	kp, err := wcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	fp1 := wcrypto.Fingerprint(kp.Public)
	fp2 := wcrypto.Fingerprint(kp.Public)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 60)
}
