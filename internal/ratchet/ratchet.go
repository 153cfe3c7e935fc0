// Package ratchet implements the Double Ratchet algorithm: a
// symmetric-key ratchet for per-message keys layered on a
// Diffie-Hellman ratchet that rekeys the chains whenever a new remote
// ratchet public key is observed.
package ratchet

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"

	wcrypto "github.com/kaelmesh/whisperlink/internal/crypto"
	"github.com/kaelmesh/whisperlink/internal/errkind"
)

// MaxSkip bounds how many message keys may be derived and cached
// across a single chain advance, closing off a DoS vector where a
// malicious or confused peer claims an enormous message counter.
const MaxSkip = 1000

const (
	rootKDFInfo = "WhatsAppCloneRootKey"
	chainAdvanceSeparator byte = 0x01
	messageKeySeparator   byte = 0x02
)

// zeroDHOutput is the all-zero "DH output" fed to KDF_RK when seeding
// a ratchet at install time, before either side has performed a real
// Diffie-Hellman computation.
var zeroDHOutput [32]byte

// Header is the per-message ratchet header carried alongside the
// ciphertext so the receiver can detect DH ratchet steps and skipped
// messages.
type Header struct {
	DHPublicKey         [32]byte
	PreviousChainLength uint32
	MessageNumber       uint32
}

type wireHeader struct {
	RatchetKey          string `json:"ratchetKey"`
	PreviousChainLength uint32 `json:"previousChainLength"`
	MessageNumber       uint32 `json:"messageNumber"`
}

// MarshalJSON renders the header the way the wire envelope expects:
// the ratchet public key as a base64 string under "ratchetKey".
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireHeader{
		RatchetKey:          base64.StdEncoding.EncodeToString(h.DHPublicKey[:]),
		PreviousChainLength: h.PreviousChainLength,
		MessageNumber:       h.MessageNumber,
	})
}

// UnmarshalJSON parses a header from its wire representation.
func (h *Header) UnmarshalJSON(data []byte) error {
	var wh wireHeader
	if err := json.Unmarshal(data, &wh); err != nil {
		return errkind.Wrap(errkind.Protocol, "decode ratchet header", err)
	}
	if err := decodeFixedBase64(wh.RatchetKey, h.DHPublicKey[:]); err != nil {
		return err
	}
	h.PreviousChainLength = wh.PreviousChainLength
	h.MessageNumber = wh.MessageNumber
	return nil
}

func skippedMapKey(dh [32]byte, n uint32) string {
	return hex.EncodeToString(dh[:]) + ":" + strconv.FormatUint(uint64(n), 10)
}

// State is the full ratchet state for one side of one session. It is
// round-trip serializable so a session can be persisted between
// process restarts.
type State struct {
	DHSelf   wcrypto.X25519KeyPair
	DHRemote *[32]byte

	RootKey [32]byte

	SendingChainKey   *[32]byte
	ReceivingChainKey *[32]byte

	SendingMessageNumber   uint32
	ReceivingMessageNumber uint32
	PreviousSendingChainLength uint32

	SkippedKeys map[string][32]byte
}

// InitializeSender seeds a ratchet for the session initiator. Neither
// side has exchanged a ratchet public key yet, so no DH is performed
// here: the root key and first sending chain key are derived straight
// from the X3DH shared secret via KDF_RK against an all-zero DH input.
// DHRemote stays nil until the first reply reveals the responder's
// ratchet key; a fresh DH key pair is generated so the initiator has
// something to advertise in its own first header.
func InitializeSender(sharedSecret [32]byte) (*State, error) {
	dhSelf, err := wcrypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	rootKey, chainKey, err := kdfRK(sharedSecret, zeroDHOutput)
	if err != nil {
		return nil, err
	}
	return &State{
		DHSelf:          dhSelf,
		DHRemote:        nil,
		RootKey:         rootKey,
		SendingChainKey: &chainKey,
		SkippedKeys:     make(map[string][32]byte),
	}, nil
}

// InitializeReceiver seeds a ratchet for the session responder, using
// the same zero-DH KDF_RK derivation as InitializeSender so both sides
// land on the identical (root key, chain key) pair from the shared
// secret alone. The derived key becomes the receiving chain key, and
// DHRemote is set to the ratchet key carried in the sender's first
// header — never the bundle's signed prekey. No DH ratchet step runs
// at install time; the responder's own sending chain stays nil until
// its first Encrypt call.
func InitializeReceiver(sharedSecret [32]byte, dhSelf wcrypto.X25519KeyPair, remoteRatchetKey [32]byte) (*State, error) {
	rootKey, chainKey, err := kdfRK(sharedSecret, zeroDHOutput)
	if err != nil {
		return nil, err
	}
	return &State{
		DHSelf:            dhSelf,
		DHRemote:          &remoteRatchetKey,
		RootKey:           rootKey,
		ReceivingChainKey: &chainKey,
		SkippedKeys:       make(map[string][32]byte),
	}, nil
}

// kdfRK derives a new root key and chain key from the current root key
// and a fresh DH output, using HKDF-SHA256 with a fixed info string and
// the old root key as salt.
func kdfRK(rootKey, dhOut [32]byte) (newRootKey [32]byte, chainKey [32]byte, err error) {
	out, err := wcrypto.HKDF(dhOut[:], rootKey[:], []byte(rootKDFInfo), 64)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	copy(newRootKey[:], out[:32])
	copy(chainKey[:], out[32:])
	return newRootKey, chainKey, nil
}

// advanceChainKey returns the next chain key, derived via
// HMAC-SHA256(chainKey, 0x01).
func advanceChainKey(chainKey [32]byte) [32]byte {
	return wcrypto.HMACSHA256(chainKey[:], []byte{chainAdvanceSeparator})
}

// deriveMessageKey returns the message key for the current chain key,
// derived via HMAC-SHA256(chainKey, 0x02).
func deriveMessageKey(chainKey [32]byte) [32]byte {
	return wcrypto.HMACSHA256(chainKey[:], []byte{messageKeySeparator})
}

// Encrypt advances the sending chain by one step and seals plaintext
// under the resulting message key, returning the header to attach. A
// responder's ratchet has no sending chain key until its first call
// here: that case performs the deferred DH ratchet step against the
// remote key learned at install time before proceeding.
func (s *State) Encrypt(plaintext []byte) (Header, []byte, error) {
	if s.SendingChainKey == nil {
		if s.DHRemote == nil {
			return Header{}, nil, errkind.New(errkind.Protocol, "sending chain not initialized: no peer ratchet key known yet")
		}
		if err := s.dhRatchetSend(); err != nil {
			return Header{}, nil, err
		}
	}
	msgKey := deriveMessageKey(*s.SendingChainKey)
	next := advanceChainKey(*s.SendingChainKey)
	s.SendingChainKey = &next

	hdr := Header{
		DHPublicKey:         s.DHSelf.Public,
		PreviousChainLength: s.PreviousSendingChainLength,
		MessageNumber:       s.SendingMessageNumber,
	}
	s.SendingMessageNumber++

	ct, err := wcrypto.Seal(msgKey, plaintext)
	if err != nil {
		return Header{}, nil, err
	}
	return hdr, ct, nil
}

// Decrypt resolves the message key for hdr — trying the skipped-key
// cache first, then performing a DH ratchet step if hdr carries a new
// remote public key, then skipping forward within the current
// receiving chain — and opens ciphertext with it. On any failure the
// state is left exactly as it was on entry; only a successful decrypt
// commits chain advances and cache insertions.
func (s *State) Decrypt(hdr Header, ciphertext []byte) ([]byte, error) {
	if msgKey, ok := s.SkippedKeys[skippedMapKey(hdr.DHPublicKey, hdr.MessageNumber)]; ok {
		plaintext, err := wcrypto.Open(msgKey, ciphertext)
		if err != nil {
			return nil, errkind.Wrap(errkind.Crypto, "decrypt with skipped key failed", err)
		}
		delete(s.SkippedKeys, skippedMapKey(hdr.DHPublicKey, hdr.MessageNumber))
		return plaintext, nil
	}

	working := *s
	working.SkippedKeys = cloneSkipped(s.SkippedKeys)

	if working.DHRemote == nil || !wcrypto.ConstantTimeEqual(working.DHRemote[:], hdr.DHPublicKey[:]) {
		if working.ReceivingChainKey != nil {
			if err := working.skipMessageKeys(hdr.PreviousChainLength); err != nil {
				return nil, err
			}
		}
		if err := working.dhRatchet(hdr.DHPublicKey); err != nil {
			return nil, err
		}
	}

	if err := working.skipMessageKeys(hdr.MessageNumber); err != nil {
		return nil, err
	}

	msgKey := deriveMessageKey(*working.ReceivingChainKey)
	next := advanceChainKey(*working.ReceivingChainKey)
	working.ReceivingChainKey = &next
	working.ReceivingMessageNumber++

	plaintext, err := wcrypto.Open(msgKey, ciphertext)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "decrypt failed", err)
	}

	*s = working
	return plaintext, nil
}

// skipMessageKeys derives and caches message keys for every counter
// value up to (but not including) until, bounded by MaxSkip total keys
// held in the cache at once.
func (s *State) skipMessageKeys(until uint32) error {
	if s.ReceivingChainKey == nil {
		return nil
	}
	if until < s.ReceivingMessageNumber {
		return nil
	}
	if until-s.ReceivingMessageNumber > MaxSkip {
		return errkind.New(errkind.Crypto, "too many skipped messages")
	}
	if len(s.SkippedKeys)+int(until-s.ReceivingMessageNumber) > MaxSkip {
		return errkind.New(errkind.Crypto, "skipped key cache would exceed bound")
	}

	chainKey := *s.ReceivingChainKey
	for s.ReceivingMessageNumber < until {
		msgKey := deriveMessageKey(chainKey)
		s.SkippedKeys[skippedMapKey(*s.DHRemote, s.ReceivingMessageNumber)] = msgKey
		chainKey = advanceChainKey(chainKey)
		s.ReceivingMessageNumber++
	}
	s.ReceivingChainKey = &chainKey
	return nil
}

// dhRatchet performs a DH ratchet step on observing a new remote
// ratchet public key: it closes out the current sending chain length,
// derives a fresh receiving chain from the old DH key pair and the new
// remote key, then generates a new DH key pair and derives a fresh
// sending chain from it and the same remote key.
func (s *State) dhRatchet(remoteKey [32]byte) error {
	s.PreviousSendingChainLength = s.SendingMessageNumber
	s.SendingMessageNumber = 0
	s.ReceivingMessageNumber = 0
	s.DHRemote = &remoteKey

	dhOut, err := wcrypto.X25519(s.DHSelf.Private, remoteKey)
	if err != nil {
		return err
	}
	rootKey, recvChain, err := kdfRK(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = rootKey
	s.ReceivingChainKey = &recvChain

	newSelf, err := wcrypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	s.DHSelf = newSelf

	dhOut2, err := wcrypto.X25519(s.DHSelf.Private, remoteKey)
	if err != nil {
		return err
	}
	rootKey2, sendChain, err := kdfRK(s.RootKey, dhOut2)
	if err != nil {
		return err
	}
	s.RootKey = rootKey2
	s.SendingChainKey = &sendChain
	return nil
}

// dhRatchetSend derives a fresh sending chain key from the current
// self/remote DH pair without rotating either key, for the one case
// where a sending chain is needed but no new remote key has arrived:
// a responder's first Encrypt call after install.
func (s *State) dhRatchetSend() error {
	dhOut, err := wcrypto.X25519(s.DHSelf.Private, *s.DHRemote)
	if err != nil {
		return err
	}
	rootKey, sendChain, err := kdfRK(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = rootKey
	s.SendingChainKey = &sendChain
	return nil
}

func cloneSkipped(m map[string][32]byte) map[string][32]byte {
	out := make(map[string][32]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// wireState is the JSON-serializable projection of State used for
// persistence; byte arrays are hex-encoded.
type wireState struct {
	DHSelfPrivate              string            `json:"dh_self_private"`
	DHSelfPublic               string            `json:"dh_self_public"`
	DHRemote                   *string           `json:"dh_remote,omitempty"`
	RootKey                    string            `json:"root_key"`
	SendingChainKey            *string           `json:"sending_chain_key,omitempty"`
	ReceivingChainKey          *string           `json:"receiving_chain_key,omitempty"`
	SendingMessageNumber       uint32            `json:"sending_message_number"`
	ReceivingMessageNumber     uint32            `json:"receiving_message_number"`
	PreviousSendingChainLength uint32            `json:"previous_sending_chain_length"`
	SkippedKeys                map[string]string `json:"skipped_keys"`
}

// MarshalJSON renders the ratchet state for on-disk persistence.
func (s *State) MarshalJSON() ([]byte, error) {
	ws := wireState{
		DHSelfPrivate:              hex.EncodeToString(s.DHSelf.Private[:]),
		DHSelfPublic:               hex.EncodeToString(s.DHSelf.Public[:]),
		RootKey:                    hex.EncodeToString(s.RootKey[:]),
		SendingMessageNumber:       s.SendingMessageNumber,
		ReceivingMessageNumber:     s.ReceivingMessageNumber,
		PreviousSendingChainLength: s.PreviousSendingChainLength,
		SkippedKeys:                make(map[string]string, len(s.SkippedKeys)),
	}
	if s.DHRemote != nil {
		h := hex.EncodeToString(s.DHRemote[:])
		ws.DHRemote = &h
	}
	if s.SendingChainKey != nil {
		h := hex.EncodeToString(s.SendingChainKey[:])
		ws.SendingChainKey = &h
	}
	if s.ReceivingChainKey != nil {
		h := hex.EncodeToString(s.ReceivingChainKey[:])
		ws.ReceivingChainKey = &h
	}
	for k, v := range s.SkippedKeys {
		ws.SkippedKeys[k] = hex.EncodeToString(v[:])
	}
	return json.Marshal(ws)
}

// UnmarshalJSON restores a ratchet state persisted by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var ws wireState
	if err := json.Unmarshal(data, &ws); err != nil {
		return errkind.Wrap(errkind.Protocol, "decode ratchet state", err)
	}
	if err := decodeFixed(ws.DHSelfPrivate, s.DHSelf.Private[:]); err != nil {
		return err
	}
	if err := decodeFixed(ws.DHSelfPublic, s.DHSelf.Public[:]); err != nil {
		return err
	}
	if err := decodeFixed(ws.RootKey, s.RootKey[:]); err != nil {
		return err
	}
	if ws.DHRemote != nil {
		var k [32]byte
		if err := decodeFixed(*ws.DHRemote, k[:]); err != nil {
			return err
		}
		s.DHRemote = &k
	}
	if ws.SendingChainKey != nil {
		var k [32]byte
		if err := decodeFixed(*ws.SendingChainKey, k[:]); err != nil {
			return err
		}
		s.SendingChainKey = &k
	}
	if ws.ReceivingChainKey != nil {
		var k [32]byte
		if err := decodeFixed(*ws.ReceivingChainKey, k[:]); err != nil {
			return err
		}
		s.ReceivingChainKey = &k
	}
	s.SendingMessageNumber = ws.SendingMessageNumber
	s.ReceivingMessageNumber = ws.ReceivingMessageNumber
	s.PreviousSendingChainLength = ws.PreviousSendingChainLength
	s.SkippedKeys = make(map[string][32]byte, len(ws.SkippedKeys))
	for k, v := range ws.SkippedKeys {
		var key [32]byte
		if err := decodeFixed(v, key[:]); err != nil {
			return err
		}
		s.SkippedKeys[k] = key
	}
	return nil
}

func decodeFixed(s string, out []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, "decode hex field", err)
	}
	if len(b) != len(out) {
		return errkind.New(errkind.Protocol, "unexpected field length")
	}
	copy(out, b)
	return nil
}

func decodeFixedBase64(s string, out []byte) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, "decode base64 field", err)
	}
	if len(b) != len(out) {
		return errkind.New(errkind.Protocol, "unexpected field length")
	}
	copy(out, b)
	return nil
}
