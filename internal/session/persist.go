package session

import (
	"encoding/json"

	"github.com/kaelmesh/whisperlink/internal/errkind"
)

// MarshalBootstrap renders record's pending X3DH bootstrap block (if
// any) for persistence by a Store implementation. It returns nil, nil
// when there is nothing pending — the field should simply be omitted.
func MarshalBootstrap(record *Record) ([]byte, error) {
	if record.Bootstrap == nil {
		return nil, nil
	}
	b, err := json.Marshal(record.Bootstrap)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "encode pending x3dh bootstrap", err)
	}
	return b, nil
}

// UnmarshalBootstrap restores a pending X3DH bootstrap block into
// record from bytes previously produced by MarshalBootstrap.
func UnmarshalBootstrap(raw []byte, record *Record) error {
	var b x3dhBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return errkind.Wrap(errkind.Protocol, "decode pending x3dh bootstrap", err)
	}
	record.Bootstrap = &b
	return nil
}
