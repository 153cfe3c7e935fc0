// Package keystore manages the long-lived identity and prekey
// material for one local user: generation, the one-time prekey pool,
// the public bundle published to the server, and encrypted-at-rest
// persistence of every private key.
package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	wcrypto "github.com/kaelmesh/whisperlink/internal/crypto"
	"github.com/kaelmesh/whisperlink/internal/errkind"
)

// DefaultOneTimePrekeyCount is how many one-time prekeys initialize
// generates up front.
const DefaultOneTimePrekeyCount = 100

// DefaultRefillThreshold is the pool size below which a caller should
// replenish one-time prekeys.
const DefaultRefillThreshold = 20

// OneTimePrekey is a single unconsumed one-time prekey.
type OneTimePrekey struct {
	ID      uint32
	KeyPair wcrypto.X25519KeyPair
}

// SignedPrekey is the identity-signed medium-term prekey.
type SignedPrekey struct {
	ID        uint32
	KeyPair   wcrypto.X25519KeyPair
	Signature []byte
}

// Bundle is the public material published to the bundle service so
// peers can start a session without this user online. OneTimePrekey
// and OneTimePrekeyID carry the single prekey a bundle *fetch*
// response names; OneTimePrekeys carries the full unconsumed pool, as
// published on bundle *upload* — the two shapes are never populated
// together.
type Bundle struct {
	IdentityKey     [32]byte
	SigningKey      ed25519.PublicKey
	Fingerprint     string
	SignedPrekey    [32]byte
	SignedPrekeyID  uint32
	SignedPrekeySig []byte
	OneTimePrekey   *[32]byte
	OneTimePrekeyID *uint32
	OneTimePrekeys  []OneTimePrekeyPublic
}

// OneTimePrekeyPublic is the public half of one unconsumed one-time
// prekey, as enumerated for publication in a bundle upload.
type OneTimePrekeyPublic struct {
	ID     uint32
	Public [32]byte
}

// KeyStore holds one local user's identity, signing key, signed
// prekey, and one-time prekey pool in memory, and persists them to an
// encrypted vault file on disk.
type KeyStore struct {
	mu sync.Mutex

	identity     wcrypto.X25519KeyPair
	signing      wcrypto.Ed25519KeyPair
	signedPrekey SignedPrekey
	oneTime      map[uint32]wcrypto.X25519KeyPair
	nextOPKID    uint32
	ledger       *OPKLedger

	path   string
	source VaultKeySource
}

// ledgerPath derives the SQLite one-time-prekey ledger's path from the
// vault file's path, so the two always travel together.
func ledgerPath(vaultPath string) string {
	return vaultPath + ".opk.db"
}

// VaultKeySource supplies the symmetric key that wraps a vault file's
// contents. PasswordKeySource (Argon2id) is the normative
// implementation; VaultKeySource implementations backed by a remote
// transit engine may substitute for it without changing the on-disk
// format.
type VaultKeySource interface {
	WrapKey(salt []byte) ([]byte, error)
}

// New generates a fresh identity, signing key, signed prekey, and a
// full one-time prekey pool, ready to be persisted with Save.
func New(path string, source VaultKeySource) (*KeyStore, error) {
	identity, err := wcrypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	signing, err := wcrypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}
	ledger, err := OpenOPKLedger(ledgerPath(path))
	if err != nil {
		return nil, err
	}
	ks := &KeyStore{
		identity: identity,
		signing:  signing,
		oneTime:  make(map[uint32]wcrypto.X25519KeyPair),
		ledger:   ledger,
		path:     path,
		source:   source,
	}
	if err := ks.rotateSignedPrekey(1); err != nil {
		return nil, err
	}
	if err := ks.generateOneTimePrekeys(DefaultOneTimePrekeyCount); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) rotateSignedPrekey(id uint32) error {
	kp, err := wcrypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	sig := wcrypto.Sign(ks.signing.Private, kp.Public[:])
	ks.signedPrekey = SignedPrekey{ID: id, KeyPair: kp, Signature: sig}
	return nil
}

// RotateSignedPrekey replaces the current signed prekey with a fresh
// one, signed by the unchanging identity signing key, incrementing the
// key-id.
func (ks *KeyStore) RotateSignedPrekey() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.rotateSignedPrekey(ks.signedPrekey.ID + 1)
}

func (ks *KeyStore) generateOneTimePrekeys(n int) error {
	for i := 0; i < n; i++ {
		kp, err := wcrypto.GenerateX25519KeyPair()
		if err != nil {
			return err
		}
		ks.nextOPKID++
		ks.oneTime[ks.nextOPKID] = kp
		if ks.ledger != nil {
			if err := ks.ledger.Record(ks.nextOPKID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RotateOneTime tops the one-time prekey pool back up to n entries.
func (ks *KeyStore) RotateOneTime(n int) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	need := n - len(ks.oneTime)
	if need <= 0 {
		return nil
	}
	return ks.generateOneTimePrekeys(need)
}

// AvailableOneTimeCount reports how many one-time prekeys remain
// unconsumed.
func (ks *KeyStore) AvailableOneTimeCount() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.oneTime)
}

// PublicBundle returns the material to publish to the bundle service:
// identity, signing key, fingerprint, signed prekey, and the full
// public half of every one-time prekey still unconsumed in the local
// pool. Consumption happens later, one key at a time, when a remote
// peer's envelope names a key-id as used (see ConsumeOneTime) — the
// server, not this call, is responsible for handing out each
// published one-time prekey to at most one initiator.
func (ks *KeyStore) PublicBundle() (Bundle, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	otps := make([]OneTimePrekeyPublic, 0, len(ks.oneTime))
	for id, kp := range ks.oneTime {
		otps = append(otps, OneTimePrekeyPublic{ID: id, Public: kp.Public})
	}
	sort.Slice(otps, func(i, j int) bool { return otps[i].ID < otps[j].ID })

	b := Bundle{
		IdentityKey:     ks.identity.Public,
		SigningKey:      ks.signing.Public,
		Fingerprint:     wcrypto.Fingerprint(ks.identity.Public),
		SignedPrekey:    ks.signedPrekey.KeyPair.Public,
		SignedPrekeyID:  ks.signedPrekey.ID,
		SignedPrekeySig: ks.signedPrekey.Signature,
		OneTimePrekeys:  otps,
	}
	return b, nil
}

// ConsumeOneTime atomically removes and returns the one-time prekey
// identified by id, for use when a remote envelope names it as used.
// Returns a StateMissing error if the id is absent or already
// consumed; the session manager fails the surrounding first-message
// decrypt with that error. The
// on-disk ledger is marked consumed before the in-memory map forgets
// the key, so a crash between the two still leaves the ledger
// reflecting that id as spent on the next restart.
func (ks *KeyStore) ConsumeOneTime(id uint32) (wcrypto.X25519KeyPair, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	kp, ok := ks.oneTime[id]
	if !ok {
		return wcrypto.X25519KeyPair{}, errkind.New(errkind.StateMissing, "one-time prekey not found")
	}
	if ks.ledger != nil {
		available, err := ks.ledger.TryConsume(id)
		if err != nil {
			return wcrypto.X25519KeyPair{}, err
		}
		if !available {
			delete(ks.oneTime, id)
			return wcrypto.X25519KeyPair{}, errkind.New(errkind.StateMissing, "one-time prekey already consumed")
		}
	}
	delete(ks.oneTime, id)
	return kp, nil
}

// SignedPrekeyPrivate returns the private half of the signed prekey
// matching id, or a StateMissing error if id does not match the
// current signed prekey (e.g. it has since rotated).
func (ks *KeyStore) SignedPrekeyPrivate(id uint32) (wcrypto.X25519KeyPair, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.signedPrekey.ID != id {
		return wcrypto.X25519KeyPair{}, errkind.New(errkind.StateMissing, "signed prekey id does not match current key")
	}
	return ks.signedPrekey.KeyPair, nil
}

// Identity returns the local identity X25519 key pair.
func (ks *KeyStore) Identity() wcrypto.X25519KeyPair {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.identity
}

// Signing returns the local Ed25519 signing key pair.
func (ks *KeyStore) Signing() wcrypto.Ed25519KeyPair {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.signing
}

// Fingerprint returns the deterministic fingerprint of the local
// identity key, for out-of-band safety-number verification.
func (ks *KeyStore) Fingerprint() string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return wcrypto.Fingerprint(ks.identity.Public)
}

// --- encrypted-at-rest vault file, format v1 ---

const vaultFormatVersion = 1

type vaultFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultKeyMaterial struct {
	IdentityPrivate   string                    `json:"identity_private"`
	IdentityPublic    string                    `json:"identity_public"`
	SigningPrivate    string                    `json:"signing_private"`
	SigningPublic     string                    `json:"signing_public"`
	SignedPrekeyID    uint32                    `json:"signed_prekey_id"`
	SignedPrekeyPriv  string                    `json:"signed_prekey_private"`
	SignedPrekeyPub   string                    `json:"signed_prekey_public"`
	SignedPrekeySig   string                    `json:"signed_prekey_signature"`
	NextOPKID         uint32                    `json:"next_one_time_prekey_id"`
	OneTimePrekeys    map[string]onetimeKeyWire `json:"one_time_prekeys"`
}

type onetimeKeyWire struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

// Save encrypts and persists the full key material to path, using
// source to derive the wrapping key from a freshly generated salt.
// The file is written to a temporary path and renamed into place so a
// crash never leaves a partially-written vault, and is created with
// owner-only permissions.
func (ks *KeyStore) Save() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	salt, err := wcrypto.RandomBytes(16)
	if err != nil {
		return err
	}
	wrapKey, err := ks.source.WrapKey(salt)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "derive vault wrapping key", err)
	}
	var key [32]byte
	copy(key[:], wrapKey)

	material := vaultKeyMaterial{
		IdentityPrivate:  hex.EncodeToString(ks.identity.Private[:]),
		IdentityPublic:   hex.EncodeToString(ks.identity.Public[:]),
		SigningPrivate:   hex.EncodeToString(ks.signing.Private),
		SigningPublic:    hex.EncodeToString(ks.signing.Public),
		SignedPrekeyID:   ks.signedPrekey.ID,
		SignedPrekeyPriv: hex.EncodeToString(ks.signedPrekey.KeyPair.Private[:]),
		SignedPrekeyPub:  hex.EncodeToString(ks.signedPrekey.KeyPair.Public[:]),
		SignedPrekeySig:  hex.EncodeToString(ks.signedPrekey.Signature),
		NextOPKID:        ks.nextOPKID,
		OneTimePrekeys:   make(map[string]onetimeKeyWire, len(ks.oneTime)),
	}
	for id, kp := range ks.oneTime {
		material.OneTimePrekeys[hex.EncodeToString(uint32ToBytes(id))] = onetimeKeyWire{
			Private: hex.EncodeToString(kp.Private[:]),
			Public:  hex.EncodeToString(kp.Public[:]),
		}
	}

	plaintext, err := json.Marshal(material)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "marshal vault material", err)
	}

	nonce, sealed, err := wcrypto.SealAESGCM(key, plaintext)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "encrypt vault", err)
	}

	vf := vaultFile{
		Version:    vaultFormatVersion,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
	}
	out, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Storage, "marshal vault envelope", err)
	}

	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return errkind.Wrap(errkind.Storage, "write vault temp file", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return errkind.Wrap(errkind.Storage, "rename vault temp file into place", err)
	}
	return nil
}

// Load decrypts and restores a key store previously written by Save.
// A wrong password (or a wrapping key mismatch for any other reason)
// surfaces as a CryptoError, since it is indistinguishable from the
// AEAD authentication failure it causes.
func Load(path string, source VaultKeySource) (*KeyStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "read vault file", err)
	}
	var vf vaultFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode vault envelope", err)
	}
	if vf.Version != vaultFormatVersion {
		return nil, errkind.New(errkind.Protocol, "unsupported vault format version")
	}
	salt, err := hex.DecodeString(vf.Salt)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode vault salt", err)
	}
	sealed, err := hex.DecodeString(vf.Ciphertext)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode vault ciphertext", err)
	}
	nonce, err := hex.DecodeString(vf.Nonce)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode vault nonce", err)
	}

	wrapKey, err := source.WrapKey(salt)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "derive vault wrapping key", err)
	}
	var key [32]byte
	copy(key[:], wrapKey)

	plaintext, err := wcrypto.OpenAESGCM(key, nonce, sealed)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "vault authentication failed (wrong password?)", err)
	}

	var material vaultKeyMaterial
	if err := json.Unmarshal(plaintext, &material); err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode vault key material", err)
	}

	ledger, err := OpenOPKLedger(ledgerPath(path))
	if err != nil {
		return nil, err
	}

	ks := &KeyStore{
		path:    path,
		source:  source,
		ledger:  ledger,
		oneTime: make(map[uint32]wcrypto.X25519KeyPair, len(material.OneTimePrekeys)),
	}
	if err := decodeFixed32(material.IdentityPrivate, ks.identity.Private[:]); err != nil {
		return nil, err
	}
	if err := decodeFixed32(material.IdentityPublic, ks.identity.Public[:]); err != nil {
		return nil, err
	}
	signingPriv, err := hex.DecodeString(material.SigningPrivate)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode signing private key", err)
	}
	signingPub, err := hex.DecodeString(material.SigningPublic)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode signing public key", err)
	}
	ks.signing = wcrypto.Ed25519KeyPair{Private: signingPriv, Public: signingPub}

	ks.signedPrekey.ID = material.SignedPrekeyID
	if err := decodeFixed32(material.SignedPrekeyPriv, ks.signedPrekey.KeyPair.Private[:]); err != nil {
		return nil, err
	}
	if err := decodeFixed32(material.SignedPrekeyPub, ks.signedPrekey.KeyPair.Public[:]); err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(material.SignedPrekeySig)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode signed prekey signature", err)
	}
	ks.signedPrekey.Signature = sig
	ks.nextOPKID = material.NextOPKID

	for idHex, kw := range material.OneTimePrekeys {
		idBytes, err := hex.DecodeString(idHex)
		if err != nil {
			return nil, errkind.Wrap(errkind.Protocol, "decode one-time prekey id", err)
		}
		id := bytesToUint32(idBytes)
		var kp wcrypto.X25519KeyPair
		if err := decodeFixed32(kw.Private, kp.Private[:]); err != nil {
			return nil, err
		}
		if err := decodeFixed32(kw.Public, kp.Public[:]); err != nil {
			return nil, err
		}

		// The ledger, not the vault, is authoritative for whether an id
		// is still available: a crash between ConsumeOneTime and the
		// next Save leaves the vault still listing an id the ledger
		// already marked spent, and that id must stay spent on reload.
		// Ensure only seeds a row the ledger has never seen before.
		if err := ks.ledger.Ensure(id); err != nil {
			return nil, err
		}
		consumed, err := ks.ledger.IsConsumed(id)
		if err != nil {
			return nil, err
		}
		if consumed {
			continue
		}
		ks.oneTime[id] = kp
	}

	return ks, nil
}

func decodeFixed32(s string, out []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, "decode hex field", err)
	}
	if len(b) != len(out) {
		return errkind.New(errkind.Protocol, "unexpected key length")
	}
	copy(out, b)
	return nil
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// VaultPath returns the path this key store persists to.
func (ks *KeyStore) VaultPath() string {
	return ks.path
}

// Close releases the one-time-prekey ledger's underlying SQLite
// connection. The vault file itself needs no closing.
func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.ledger == nil {
		return nil
	}
	return ks.ledger.Close()
}

// EnsureDir creates the parent directory of path if it does not
// already exist.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errkind.Wrap(errkind.Storage, "create vault directory", err)
	}
	return nil
}
