// Package x3dh implements the Extended Triple Diffie-Hellman key
// agreement that bootstraps a session's initial shared secret, on both
// the initiating and responding sides.
package x3dh

import (
	"crypto/ed25519"

	wcrypto "github.com/kaelmesh/whisperlink/internal/crypto"
	"github.com/kaelmesh/whisperlink/internal/errkind"
)

const (
	hkdfSalt = "WhatsAppCloneX3DH"
	hkdfInfo = "SharedSecret"
)

// Bundle is the public material an initiator fetches for a peer before
// starting a session: the peer's identity key, signing key, signed
// prekey (with signature and id), and an optional one-time prekey.
type Bundle struct {
	IdentityKey         [32]byte
	SigningKey          ed25519.PublicKey
	SignedPrekey        [32]byte
	SignedPrekeyID      uint32
	SignedPrekeySig     []byte
	OneTimePrekey       *[32]byte
	OneTimePrekeyID     *uint32
}

// InitiatorResult is everything the initiating side needs to seed its
// ratchet and to attach the X3DH bootstrap block to its first message.
type InitiatorResult struct {
	SharedSecret      [32]byte
	LocalIdentityKey  [32]byte
	LocalEphemeralKey [32]byte
	UsedSignedPrekeyID uint32
	UsedOneTimePrekeyID *uint32
}

// InitiateSession runs the four (or three, if the peer has exhausted
// its one-time prekey pool) Diffie-Hellman computations on the
// initiator's side: DH1 = IK_A x SPK_B, DH2 = EK_A x IK_B,
// DH3 = EK_A x SPK_B, DH4 = EK_A x OPK_B (if present). The bundle's
// signed prekey signature is verified before any DH is performed.
func InitiateSession(localIdentity wcrypto.X25519KeyPair, bundle Bundle) (InitiatorResult, error) {
	if !wcrypto.Verify(bundle.SigningKey, bundle.SignedPrekey[:], bundle.SignedPrekeySig) {
		return InitiatorResult{}, errkind.New(errkind.Crypto, "signed prekey signature verification failed")
	}

	ephemeral, err := wcrypto.GenerateX25519KeyPair()
	if err != nil {
		return InitiatorResult{}, err
	}

	dh1, err := wcrypto.X25519(localIdentity.Private, bundle.SignedPrekey)
	if err != nil {
		return InitiatorResult{}, errkind.Wrap(errkind.Crypto, "DH1 failed", err)
	}
	dh2, err := wcrypto.X25519(ephemeral.Private, bundle.IdentityKey)
	if err != nil {
		return InitiatorResult{}, errkind.Wrap(errkind.Crypto, "DH2 failed", err)
	}
	dh3, err := wcrypto.X25519(ephemeral.Private, bundle.SignedPrekey)
	if err != nil {
		return InitiatorResult{}, errkind.Wrap(errkind.Crypto, "DH3 failed", err)
	}

	ikm := make([]byte, 0, 32*4)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	var usedOPKID *uint32
	if bundle.OneTimePrekey != nil {
		dh4, err := wcrypto.X25519(ephemeral.Private, *bundle.OneTimePrekey)
		if err != nil {
			return InitiatorResult{}, errkind.Wrap(errkind.Crypto, "DH4 failed", err)
		}
		ikm = append(ikm, dh4[:]...)
		usedOPKID = bundle.OneTimePrekeyID
	}

	secret, err := wcrypto.HKDF(ikm, []byte(hkdfSalt), []byte(hkdfInfo), 32)
	if err != nil {
		return InitiatorResult{}, err
	}

	var out InitiatorResult
	copy(out.SharedSecret[:], secret)
	out.LocalIdentityKey = localIdentity.Public
	out.LocalEphemeralKey = ephemeral.Public
	out.UsedSignedPrekeyID = bundle.SignedPrekeyID
	out.UsedOneTimePrekeyID = usedOPKID
	return out, nil
}

// ResponderInput is the bootstrap block an initiator attaches to its
// first envelope, plus the responder's own private key material
// resolved from it (identity key, the signed prekey and, if named, the
// one-time prekey consumed by the initiator).
type ResponderInput struct {
	RemoteIdentityKey  [32]byte
	RemoteEphemeralKey [32]byte
	LocalIdentity      wcrypto.X25519KeyPair
	LocalSignedPrekey  wcrypto.X25519KeyPair
	LocalOneTimePrekey *wcrypto.X25519KeyPair
}

// RespondSession runs the mirrored DH computations on the responder's
// side: DH1 = SPK_B x IK_A, DH2 = IK_B x EK_A, DH3 = SPK_B x EK_A,
// DH4 = OPK_B x EK_A (if the initiator consumed one).
func RespondSession(in ResponderInput) ([32]byte, error) {
	dh1, err := wcrypto.X25519(in.LocalSignedPrekey.Private, in.RemoteIdentityKey)
	if err != nil {
		return [32]byte{}, errkind.Wrap(errkind.Crypto, "DH1 failed", err)
	}
	dh2, err := wcrypto.X25519(in.LocalIdentity.Private, in.RemoteEphemeralKey)
	if err != nil {
		return [32]byte{}, errkind.Wrap(errkind.Crypto, "DH2 failed", err)
	}
	dh3, err := wcrypto.X25519(in.LocalSignedPrekey.Private, in.RemoteEphemeralKey)
	if err != nil {
		return [32]byte{}, errkind.Wrap(errkind.Crypto, "DH3 failed", err)
	}

	ikm := make([]byte, 0, 32*4)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	if in.LocalOneTimePrekey != nil {
		dh4, err := wcrypto.X25519(in.LocalOneTimePrekey.Private, in.RemoteEphemeralKey)
		if err != nil {
			return [32]byte{}, errkind.Wrap(errkind.Crypto, "DH4 failed", err)
		}
		ikm = append(ikm, dh4[:]...)
	}

	secret, err := wcrypto.HKDF(ikm, []byte(hkdfSalt), []byte(hkdfInfo), 32)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], secret)
	return out, nil
}
