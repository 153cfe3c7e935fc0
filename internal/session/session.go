// Package session orchestrates per-peer session establishment,
// encryption, and decryption: it is the only package that touches both
// the X3DH engine and the Double Ratchet engine, gluing them to the
// key store and to a pluggable persistence and transport boundary.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/keystore"
	"github.com/kaelmesh/whisperlink/internal/ratchet"
	"github.com/kaelmesh/whisperlink/internal/transport"
	"github.com/kaelmesh/whisperlink/internal/x3dh"
)

// resetMessageNumberThreshold and resetHistoryThreshold together
// define the peer-reset heuristic: an incoming header claiming an
// early message number from a chain we've already advanced well past
// suggests the peer lost its ratchet state and started over, rather
// than that we simply missed some messages.
const (
	resetMessageNumberThreshold = 5
	resetHistoryThreshold       = 5
)

// Record is the persisted state for one peer's session: the ratchet
// state plus any pending X3DH bootstrap block awaiting attachment to
// the first outgoing envelope.
type Record struct {
	PeerID    string
	Ratchet   *ratchet.State
	Bootstrap *x3dhBlock
	CreatedAt time.Time
}

// Store persists and retrieves session records. FileStore in the
// sessionstore package is the normative implementation.
type Store interface {
	Load(peerID string) (*Record, bool, error)
	Save(record *Record) error
	Delete(peerID string) error
}

// Manager orchestrates session lifecycle for one local user.
type Manager struct {
	keys    *keystore.KeyStore
	store   Store
	bundles transport.BundleService
	marker  transport.OneTimePrekeyMarker

	mapMu    sync.Mutex
	peerLock map[string]*sync.Mutex
}

// NewManager constructs a session manager bound to the given local key
// store, session store, and prekey-bundle transport boundary.
func NewManager(keys *keystore.KeyStore, store Store, bundles transport.BundleService, marker transport.OneTimePrekeyMarker) *Manager {
	return &Manager{
		keys:     keys,
		store:    store,
		bundles:  bundles,
		marker:   marker,
		peerLock: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(peerID string) *sync.Mutex {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	l, ok := m.peerLock[peerID]
	if !ok {
		l = &sync.Mutex{}
		m.peerLock[peerID] = l
	}
	return l
}

// EnsureSession returns the existing session for peerID, or
// establishes one as initiator by fetching the peer's bundle and
// running X3DH. Session operations for a given peer never run
// concurrently with each other; the peer's mutex is held for the whole
// call, including the bundle fetch and the one-time-prekey mark.
func (m *Manager) EnsureSession(ctx context.Context, peerID string) (*Record, error) {
	lock := m.lockFor(peerID)
	lock.Lock()
	defer lock.Unlock()

	if rec, ok, err := m.store.Load(peerID); err != nil {
		return nil, err
	} else if ok {
		return rec, nil
	}

	bundle, err := m.bundles.FetchBundle(ctx, peerID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "fetch prekey bundle", err)
	}

	x3dhBundle := x3dh.Bundle{
		IdentityKey:     bundle.IdentityKey,
		SigningKey:      bundle.SigningKey,
		SignedPrekey:    bundle.SignedPrekey,
		SignedPrekeyID:  bundle.SignedPrekeyID,
		SignedPrekeySig: bundle.SignedPrekeySig,
		OneTimePrekey:   bundle.OneTimePrekey,
		OneTimePrekeyID: bundle.OneTimePrekeyID,
	}
	result, err := x3dh.InitiateSession(m.keys.Identity(), x3dhBundle)
	if err != nil {
		return nil, err
	}

	if result.UsedOneTimePrekeyID != nil && m.marker != nil {
		if err := m.marker.MarkOneTimePrekeyUsed(ctx, *result.UsedOneTimePrekeyID); err != nil {
			return nil, errkind.Wrap(errkind.Transport, "mark one-time prekey used", err)
		}
	}

	rs, err := ratchet.InitializeSender(result.SharedSecret)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		PeerID:  peerID,
		Ratchet: rs,
		Bootstrap: &x3dhBlock{
			SenderIdentityKey:   encodeBase64Key(result.LocalIdentityKey),
			SenderEphemeralKey:  encodeBase64Key(result.LocalEphemeralKey),
			UsedSignedPrekeyID:  result.UsedSignedPrekeyID,
			UsedOneTimePrekeyID: result.UsedOneTimePrekeyID,
		},
		CreatedAt: time.Now(),
	}
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Encrypt seals plaintext for peerID under an existing or freshly
// established session, returning the wire-ready envelope bytes. If
// this is the session's first outgoing message, the X3DH bootstrap
// block is attached and then cleared so it is never sent twice.
func (m *Manager) Encrypt(ctx context.Context, peerID string, plaintext []byte) ([]byte, error) {
	lock := m.lockFor(peerID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := m.store.Load(peerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		lock.Unlock()
		rec, err = m.EnsureSession(ctx, peerID)
		lock.Lock()
		if err != nil {
			return nil, err
		}
	}

	header, ciphertext, err := rec.Ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	var bootstrap *x3dhBlock
	if rec.Bootstrap != nil {
		bootstrap = rec.Bootstrap
		rec.Bootstrap = nil
	}

	envelope, err := encodeEnvelope(header, ciphertext, bootstrap)
	if err != nil {
		return nil, err
	}

	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	return envelope, nil
}

// Decrypt opens an incoming envelope from peerID. If it carries an
// X3DH bootstrap block and no session exists yet, the session is
// established as responder before decrypting. A peer-reset heuristic
// trip deletes the session and returns a PeerReset error; the caller
// should surface this to the application layer, which typically
// prompts the peer to resend (which will carry a fresh x3dh block).
func (m *Manager) Decrypt(ctx context.Context, peerID string, raw []byte) ([]byte, error) {
	lock := m.lockFor(peerID)
	lock.Lock()
	defer lock.Unlock()

	we, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	ciphertext, err := we.decodeCiphertext()
	if err != nil {
		return nil, err
	}

	rec, ok, err := m.store.Load(peerID)
	if err != nil {
		return nil, err
	}

	if !ok {
		if we.X3DH == nil {
			return nil, errkind.New(errkind.StateMissing, "no session and no X3DH bootstrap in envelope")
		}
		rec, err = m.processFirstMessage(peerID, we)
		if err != nil {
			return nil, err
		}
		plaintext, err := rec.Ratchet.Decrypt(we.Header, ciphertext)
		if err != nil {
			return nil, err
		}
		if err := m.store.Save(rec); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	if isPeerReset(we.Header, rec.Ratchet) {
		if err := m.store.Delete(peerID); err != nil {
			return nil, err
		}
		return nil, errkind.New(errkind.PeerReset, "peer appears to have reset its session state")
	}

	plaintext, err := rec.Ratchet.Decrypt(we.Header, ciphertext)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// processFirstMessage runs X3DH as responder using the bootstrap block
// attached to a peer's first envelope, resolving the signed prekey
// (and, if named, the one-time prekey) from the local key store.
func (m *Manager) processFirstMessage(peerID string, we wireEnvelope) (*Record, error) {
	remoteIdentity, err := decodeBase64Key(we.X3DH.SenderIdentityKey)
	if err != nil {
		return nil, err
	}
	remoteEphemeral, err := decodeBase64Key(we.X3DH.SenderEphemeralKey)
	if err != nil {
		return nil, err
	}

	signedPrekey, err := m.keys.SignedPrekeyPrivate(we.X3DH.UsedSignedPrekeyID)
	if err != nil {
		return nil, err
	}

	in := x3dh.ResponderInput{
		RemoteIdentityKey:  remoteIdentity,
		RemoteEphemeralKey: remoteEphemeral,
		LocalIdentity:      m.keys.Identity(),
		LocalSignedPrekey:  signedPrekey,
	}
	if we.X3DH.UsedOneTimePrekeyID != nil {
		opk, err := m.keys.ConsumeOneTime(*we.X3DH.UsedOneTimePrekeyID)
		if err != nil {
			return nil, err
		}
		in.LocalOneTimePrekey = &opk
	}

	sharedSecret, err := x3dh.RespondSession(in)
	if err != nil {
		return nil, err
	}

	rs, err := ratchet.InitializeReceiver(sharedSecret, signedPrekey, we.Header.DHPublicKey)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		PeerID:    peerID,
		Ratchet:   rs,
		CreatedAt: time.Now(),
	}
	return rec, nil
}

// isPeerReset applies the heuristic: an incoming header claiming an
// early message number (below resetMessageNumberThreshold), while our
// receiving or sending counter has already reached
// resetHistoryThreshold, means the peer most likely lost its ratchet
// state and restarted counting from zero rather than that we are
// simply receiving an old retry. The header's DH key is not consulted.
func isPeerReset(hdr ratchet.Header, rs *ratchet.State) bool {
	if hdr.MessageNumber >= resetMessageNumberThreshold {
		return false
	}
	return rs.ReceivingMessageNumber >= resetHistoryThreshold || rs.SendingMessageNumber >= resetHistoryThreshold
}
