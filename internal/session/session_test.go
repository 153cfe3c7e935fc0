package session_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaelmesh/whisperlink/internal/keystore"
	"github.com/kaelmesh/whisperlink/internal/session"
)

// memStore is a minimal in-memory implementation of session.Store, one
// per local user, keyed by peer id.
type memStore struct {
	mu      sync.Mutex
	records map[string]*session.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*session.Record)}
}

func (s *memStore) Load(peerID string) (*session.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[peerID]
	return rec, ok, nil
}

func (s *memStore) Save(rec *session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PeerID] = rec
	return nil
}

func (s *memStore) Delete(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, peerID)
	return nil
}

// memBundles is a shared directory of published prekey bundles, acting
// as a stand-in for the bundle service both parties talk to.
type memBundles struct {
	mu      sync.Mutex
	bundles map[string]keystore.Bundle
}

func newMemBundles() *memBundles {
	return &memBundles{bundles: make(map[string]keystore.Bundle)}
}

func (b *memBundles) FetchBundle(ctx context.Context, peerID string) (keystore.Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bundles[peerID], nil
}

func (b *memBundles) PublishBundle(ctx context.Context, bundle keystore.Bundle) error {
	return nil
}

func (b *memBundles) put(peerID string, bundle keystore.Bundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bundles[peerID] = bundle
}

type noopMarker struct{}

func (noopMarker) MarkOneTimePrekeyUsed(ctx context.Context, keyID uint32) error { return nil }

func newTestKeyStore(t *testing.T, name string) *keystore.KeyStore {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.New(filepath.Join(dir, name+".json"), keystore.NewPasswordKeySource("pw-"+name))
	require.NoError(t, err)
	return ks
}

func TestEnsureSessionEstablishesAsInitiator(t *testing.T) {
	ctx := context.Background()
	aliceKeys := newTestKeyStore(t, "alice")
	bobKeys := newTestKeyStore(t, "bob")

	bundles := newMemBundles()
	bobBundle, err := bobKeys.PublicBundle()
	require.NoError(t, err)
	bundles.put("bob", bobBundle)

	alice := session.NewManager(aliceKeys, newMemStore(), bundles, noopMarker{})

	rec, err := alice.EnsureSession(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", rec.PeerID)
	require.NotNil(t, rec.Ratchet)

	// A second call returns the already-persisted session rather than
	// running X3DH again.
	rec2, err := alice.EnsureSession(ctx, "bob")
	require.NoError(t, err)
	require.Same(t, rec, rec2)
}

func TestEncryptDecryptEstablishesResponderSessionFromBootstrap(t *testing.T) {
	ctx := context.Background()
	aliceKeys := newTestKeyStore(t, "alice")
	bobKeys := newTestKeyStore(t, "bob")

	bundles := newMemBundles()
	bobBundle, err := bobKeys.PublicBundle()
	require.NoError(t, err)
	bundles.put("bob", bobBundle)

	alice := session.NewManager(aliceKeys, newMemStore(), bundles, noopMarker{})
	bob := session.NewManager(bobKeys, newMemStore(), bundles, noopMarker{})

	envelope, err := alice.Encrypt(ctx, "bob", []byte("hello bob"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(ctx, "alice", envelope)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))

	// The bootstrap block is only ever sent on the first envelope.
	envelope2, err := alice.Encrypt(ctx, "bob", []byte("second message"))
	require.NoError(t, err)
	plaintext2, err := bob.Decrypt(ctx, "alice", envelope2)
	require.NoError(t, err)
	require.Equal(t, "second message", string(plaintext2))

	// Bob can now reply using the session established from the
	// bootstrap, forcing Alice through a DH ratchet step on receipt.
	reply, err := bob.Encrypt(ctx, "alice", []byte("hi alice"))
	require.NoError(t, err)
	replyPlain, err := alice.Decrypt(ctx, "bob", reply)
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(replyPlain))
}

func TestDecryptWithNoSessionAndNoBootstrapFails(t *testing.T) {
	ctx := context.Background()
	bobKeys := newTestKeyStore(t, "bob")
	bundles := newMemBundles()
	bob := session.NewManager(bobKeys, newMemStore(), bundles, noopMarker{})

	hdr := `{"ratchetKey":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","previousChainLength":0,"messageNumber":0}`
	_, err := bob.Decrypt(ctx, "alice", []byte(`{"ciphertext":"","header":`+hdr+`}`))
	require.Error(t, err)
}
