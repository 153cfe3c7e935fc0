package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/ratchet"
)

// legacyPrefix is accepted (and stripped) on decode for compatibility
// with wire producers that still send the original client's envelope
// framing; new envelopes are emitted without it.
const legacyPrefix = "E2EE:"

// x3dhBlock is the bootstrap material an initiator attaches to its
// first envelope to a peer, letting the responder run X3DH and seed
// its ratchet before it can decrypt anything.
type x3dhBlock struct {
	SenderIdentityKey   string  `json:"senderIdentityKey"`
	SenderEphemeralKey  string  `json:"senderEphemeralKey"`
	UsedSignedPrekeyID  uint32  `json:"usedSignedPrekeyId"`
	UsedOneTimePrekeyID *uint32 `json:"usedOneTimePrekeyId,omitempty"`
}

// wireEnvelope is the on-wire JSON shape of an encrypted message.
type wireEnvelope struct {
	Ciphertext string         `json:"ciphertext"`
	Header     ratchet.Header `json:"header"`
	X3DH       *x3dhBlock     `json:"x3dh,omitempty"`
}

func encodeEnvelope(header ratchet.Header, ciphertext []byte, bootstrap *x3dhBlock) ([]byte, error) {
	we := wireEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Header:     header,
		X3DH:       bootstrap,
	}
	out, err := json.Marshal(we)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "encode envelope", err)
	}
	return out, nil
}

func decodeEnvelope(raw []byte) (wireEnvelope, error) {
	s := strings.TrimPrefix(string(raw), legacyPrefix)
	var we wireEnvelope
	if err := json.Unmarshal([]byte(s), &we); err != nil {
		return wireEnvelope{}, errkind.Wrap(errkind.Protocol, "decode envelope", err)
	}
	return we, nil
}

func (w wireEnvelope) decodeCiphertext() ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, errkind.Wrap(errkind.Protocol, "decode envelope ciphertext", err)
	}
	return ct, nil
}

func decodeBase64Key(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, errkind.Wrap(errkind.Protocol, "decode base64 key", err)
	}
	if len(b) != 32 {
		return out, errkind.New(errkind.Protocol, "unexpected key length")
	}
	copy(out[:], b)
	return out, nil
}

func encodeBase64Key(k [32]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}
