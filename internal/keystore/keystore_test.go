package keystore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/keystore"
)

func TestNewGeneratesFullPrekeyPool(t *testing.T) {
	dir := t.TempDir()
	source := keystore.NewPasswordKeySource("correct horse battery staple")

	ks, err := keystore.New(filepath.Join(dir, "vault.json"), source)
	require.NoError(t, err)
	require.Equal(t, keystore.DefaultOneTimePrekeyCount, ks.AvailableOneTimeCount())

	bundle, err := ks.PublicBundle()
	require.NoError(t, err)
	require.Equal(t, ks.Identity().Public, bundle.IdentityKey)
	require.Equal(t, uint32(1), bundle.SignedPrekeyID)
	require.Equal(t, ks.Fingerprint(), bundle.Fingerprint)
	require.Len(t, bundle.OneTimePrekeys, keystore.DefaultOneTimePrekeyCount)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	source := keystore.NewPasswordKeySource("correct horse battery staple")

	ks, err := keystore.New(path, source)
	require.NoError(t, err)
	require.NoError(t, ks.Save())

	loaded, err := keystore.Load(path, source)
	require.NoError(t, err)

	require.Equal(t, ks.Identity(), loaded.Identity())
	require.Equal(t, ks.Fingerprint(), loaded.Fingerprint())
	require.Equal(t, ks.AvailableOneTimeCount(), loaded.AvailableOneTimeCount())
}

func TestLoadWithWrongPasswordFailsWithoutDestroyingVault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	ks, err := keystore.New(path, keystore.NewPasswordKeySource("right password"))
	require.NoError(t, err)
	require.NoError(t, ks.Save())

	_, err = keystore.Load(path, keystore.NewPasswordKeySource("wrong password"))
	require.Error(t, err)
	require.True(t, errkind.OfKind(err, errkind.Crypto))

	// The vault file is untouched: loading with the right password still works.
	reloaded, err := keystore.Load(path, keystore.NewPasswordKeySource("right password"))
	require.NoError(t, err)
	require.Equal(t, ks.Identity(), reloaded.Identity())
}

func TestConsumeOneTimeRemovesKeyAndRejectsReuse(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.New(filepath.Join(dir, "vault.json"), keystore.NewPasswordKeySource("pw"))
	require.NoError(t, err)

	bundle, err := ks.PublicBundle()
	require.NoError(t, err)
	_ = bundle

	_, err = ks.ConsumeOneTime(1)
	require.NoError(t, err)

	_, err = ks.ConsumeOneTime(1)
	require.Error(t, err)
	require.True(t, errkind.OfKind(err, errkind.StateMissing))
}

func TestConsumeOneTimeSurvivesCrashBeforeVaultSaveViaLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	source := keystore.NewPasswordKeySource("pw")

	ks, err := keystore.New(path, source)
	require.NoError(t, err)
	require.NoError(t, ks.Save())

	// Consume id 1, but never Save again — simulating a crash that
	// lands between the ledger update and the next vault persist. The
	// on-disk vault still lists id 1 as unconsumed.
	_, err = ks.ConsumeOneTime(1)
	require.NoError(t, err)

	// Reopening against the stale vault must not resurrect id 1: the
	// ledger's record of consumption takes precedence.
	reopened, err := keystore.Load(path, source)
	require.NoError(t, err)
	_, err = reopened.ConsumeOneTime(1)
	require.Error(t, err)
	require.True(t, errkind.OfKind(err, errkind.StateMissing))
}

func TestSignedPrekeyPrivateRejectsStaleID(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.New(filepath.Join(dir, "vault.json"), keystore.NewPasswordKeySource("pw"))
	require.NoError(t, err)

	_, err = ks.SignedPrekeyPrivate(1)
	require.NoError(t, err)

	require.NoError(t, ks.RotateSignedPrekey())

	_, err = ks.SignedPrekeyPrivate(1)
	require.Error(t, err)
	require.True(t, errkind.OfKind(err, errkind.StateMissing))

	_, err = ks.SignedPrekeyPrivate(2)
	require.NoError(t, err)
}
