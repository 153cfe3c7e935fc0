// Package crypto implements the primitive operations the rest of the
// session engine is built from: X25519 agreement, Ed25519 signatures,
// HKDF-SHA256 and HMAC-SHA256 derivation, XSalsa20-Poly1305 AEAD, and
// Argon2id for deriving the at-rest vault key. Every ephemeral key,
// nonce, and salt is drawn from crypto/rand.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/kaelmesh/whisperlink/internal/errkind"
)

const (
	// KeySize is the width of every X25519 key, HKDF/HMAC key, and
	// derived message/chain/root key in this package.
	KeySize = 32

	nonceSize = 24 // secretbox nonce width
	tagSize   = secretbox.Overhead
)

// X25519KeyPair is an X25519 scalar key pair.
type X25519KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateX25519KeyPair draws a fresh private scalar from the CSRNG and
// derives its public counterpart.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return X25519KeyPair{}, errkind.Wrap(errkind.Crypto, "generate X25519 private key", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, errkind.Wrap(errkind.Crypto, "derive X25519 public key", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519 performs scalar multiplication of priv against pub. An
// invalid public key (e.g. a low-order point) is a fatal crypto error.
func X25519(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [KeySize]byte{}, errkind.Wrap(errkind.Crypto, "X25519 agreement failed", err)
	}
	var out [KeySize]byte
	copy(out[:], shared)
	return out, nil
}

// Ed25519KeyPair is an Ed25519 signing key pair.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519KeyPair draws a fresh Ed25519 signing key pair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, errkind.Wrap(errkind.Crypto, "generate Ed25519 key pair", err)
	}
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Sign produces a 64-byte Ed25519 signature over msg.
func Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pk.
func Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pk, msg, sig)
}

// HKDF derives L bytes from ikm using HKDF-SHA256 with the given salt
// and info strings.
func HKDF(ikm, salt, info []byte, l int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "HKDF derivation failed", err)
	}
	return out, nil
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) [KeySize]byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Seal encrypts plaintext with XSalsa20-Poly1305 under a fresh random
// 24-byte nonce, returning nonce‖ciphertext‖tag (the combined form the
// wire envelope expects before base64 encoding).
func Seal(key [KeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "generate AEAD nonce", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+tagSize)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out, nil
}

// Open decrypts a nonce‖ciphertext‖tag blob produced by Seal.
func Open(key [KeySize]byte, combined []byte) ([]byte, error) {
	if len(combined) < nonceSize+tagSize {
		return nil, errkind.New(errkind.Crypto, "ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], combined[:nonceSize])
	plaintext, ok := secretbox.Open(nil, combined[nonceSize:], &nonce, &key)
	if !ok {
		return nil, errkind.New(errkind.Crypto, "decryption failed")
	}
	return plaintext, nil
}

// SealAESGCM encrypts plaintext with AES-256-GCM under a fresh random
// 12-byte nonce, returning the nonce and the ciphertext‖tag separately
// so a caller can store them in distinct wire fields. This is the
// at-rest vault cipher, kept distinct from Seal/Open's
// XSalsa20-Poly1305 used for ratchet message encryption.
func SealAESGCM(key [KeySize]byte, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.Crypto, "construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.Crypto, "construct AES-GCM", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, errkind.Wrap(errkind.Crypto, "generate AES-GCM nonce", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// OpenAESGCM decrypts a ciphertext produced by SealAESGCM under the
// given key and nonce.
func OpenAESGCM(key [KeySize]byte, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "construct AES-GCM", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errkind.New(errkind.Crypto, "invalid AES-GCM nonce length")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errkind.New(errkind.Crypto, "decryption failed")
	}
	return plaintext, nil
}

// ConstantTimeEqual compares two equal-length byte slices without
// leaking timing information, for comparing high-entropy secrets.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Argon2Params configures the Argon2id key-derivation cost.
type Argon2Params struct {
	Memory  uint32 // KiB
	Time    uint32 // iterations
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params matches the spec's normative at-rest vault cost:
// m=64 MiB, t=3, p=4, L=32.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Memory: 64 * 1024, Time: 3, Threads: 4, KeyLen: 32}
}

// DeriveVaultKey runs Argon2id(password, salt) with the given params.
func DeriveVaultKey(password string, salt []byte, params Argon2Params) []byte {
	return argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
}

// RandomBytes draws n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errkind.Wrap(errkind.Crypto, fmt.Sprintf("generate %d random bytes", n), err)
	}
	return b, nil
}

// Fingerprint is the deterministic function of an identity public key:
// SHA-256 over the 32-byte key, truncated to the first 30 bytes,
// rendered as 60 lowercase hex characters.
func Fingerprint(identityPublic [KeySize]byte) string {
	sum := sha256.Sum256(identityPublic[:])
	return fmt.Sprintf("%x", sum[:30])
}
