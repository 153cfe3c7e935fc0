package x3dh_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	wcrypto "github.com/kaelmesh/whisperlink/internal/crypto"
	"github.com/kaelmesh/whisperlink/internal/x3dh"
)

type party struct {
	identity wcrypto.X25519KeyPair
	signing  wcrypto.Ed25519KeyPair
	signed   wcrypto.X25519KeyPair
	oneTime  wcrypto.X25519KeyPair
}

func newParty(t *testing.T) party {
	t.Helper()
	identity, err := wcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	signing, err := wcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	signed, err := wcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	oneTime, err := wcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	return party{identity: identity, signing: signing, signed: signed, oneTime: oneTime}
}

func TestX3DHAgreesWithOneTimePrekey(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	sig := wcrypto.Sign(bob.signing.Private, bob.signed.Public[:])
	opkID := uint32(7)
	bundle := x3dh.Bundle{
		IdentityKey:     bob.identity.Public,
		SigningKey:      bob.signing.Public,
		SignedPrekey:    bob.signed.Public,
		SignedPrekeyID:  1,
		SignedPrekeySig: sig,
		OneTimePrekey:   &bob.oneTime.Public,
		OneTimePrekeyID: &opkID,
	}

	result, err := x3dh.InitiateSession(alice.identity, bundle)
	require.NoError(t, err)
	require.NotNil(t, result.UsedOneTimePrekeyID)
	require.Equal(t, opkID, *result.UsedOneTimePrekeyID)

	responderSecret, err := x3dh.RespondSession(x3dh.ResponderInput{
		RemoteIdentityKey:  alice.identity.Public,
		RemoteEphemeralKey: result.LocalEphemeralKey,
		LocalIdentity:      bob.identity,
		LocalSignedPrekey:  bob.signed,
		LocalOneTimePrekey: &bob.oneTime,
	})
	require.NoError(t, err)

	require.Equal(t, result.SharedSecret, responderSecret)
}

func TestX3DHAgreesWithoutOneTimePrekey(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	sig := wcrypto.Sign(bob.signing.Private, bob.signed.Public[:])
	bundle := x3dh.Bundle{
		IdentityKey:     bob.identity.Public,
		SigningKey:      bob.signing.Public,
		SignedPrekey:    bob.signed.Public,
		SignedPrekeyID:  2,
		SignedPrekeySig: sig,
	}

	result, err := x3dh.InitiateSession(alice.identity, bundle)
	require.NoError(t, err)
	require.Nil(t, result.UsedOneTimePrekeyID)

	responderSecret, err := x3dh.RespondSession(x3dh.ResponderInput{
		RemoteIdentityKey:  alice.identity.Public,
		RemoteEphemeralKey: result.LocalEphemeralKey,
		LocalIdentity:      bob.identity,
		LocalSignedPrekey:  bob.signed,
	})
	require.NoError(t, err)
	require.Equal(t, result.SharedSecret, responderSecret)
}

func TestX3DHRejectsInvalidSignedPrekeySignature(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	otherSigning, err := wcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	badSig := wcrypto.Sign(otherSigning.Private, bob.signed.Public[:])

	bundle := x3dh.Bundle{
		IdentityKey:     bob.identity.Public,
		SigningKey:      bob.signing.Public,
		SignedPrekey:    bob.signed.Public,
		SignedPrekeyID:  3,
		SignedPrekeySig: badSig,
	}

	_, err = x3dh.InitiateSession(alice.identity, bundle)
	require.Error(t, err)
}
