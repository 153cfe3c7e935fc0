package sessionstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaelmesh/whisperlink/internal/ratchet"
	"github.com/kaelmesh/whisperlink/internal/session"
	"github.com/kaelmesh/whisperlink/internal/sessionstore"
)

func newRecord(t *testing.T, peerID string) *session.Record {
	t.Helper()
	var secret [32]byte
	copy(secret[:], []byte("file store round trip secret..."))

	rs, err := ratchet.InitializeSender(secret)
	require.NoError(t, err)

	return &session.Record{
		PeerID:    peerID,
		Ratchet:   rs,
		CreatedAt: time.Now().Truncate(time.Second),
	}
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := sessionstore.NewFileStore(dir)
	require.NoError(t, err)

	rec := newRecord(t, "bob")
	require.NoError(t, store.Save(rec))

	loaded, ok, err := store.Load("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.PeerID, loaded.PeerID)
	require.Equal(t, rec.Ratchet.RootKey, loaded.Ratchet.RootKey)
	require.Equal(t, rec.Ratchet.DHSelf, loaded.Ratchet.DHSelf)
}

func TestFileStoreLoadMissingPeerReturnsFalseNotError(t *testing.T) {
	dir := t.TempDir()
	store, err := sessionstore.NewFileStore(dir)
	require.NoError(t, err)

	rec, ok, err := store.Load("nobody")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rec)
}

func TestFileStoreReloadsFromDiskInFreshStore(t *testing.T) {
	dir := t.TempDir()
	store, err := sessionstore.NewFileStore(dir)
	require.NoError(t, err)

	rec := newRecord(t, "carol")
	require.NoError(t, store.Save(rec))

	// A fresh store pointed at the same root reloads from disk.
	reopened, err := sessionstore.NewFileStore(dir)
	require.NoError(t, err)
	loaded, ok, err := reopened.Load("carol")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "carol", loaded.PeerID)
}

func TestFileStoreDeleteRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := sessionstore.NewFileStore(dir)
	require.NoError(t, err)

	rec := newRecord(t, "dave")
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.Delete("dave"))

	_, ok, err := store.Load("dave")
	require.NoError(t, err)
	require.False(t, ok)
}
