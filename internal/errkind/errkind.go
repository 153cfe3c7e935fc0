// Package errkind implements the error taxonomy shared across the
// key manager, X3DH engine, Double Ratchet engine, and session manager.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the recovery policy a caller should apply.
type Kind string

const (
	// Crypto covers bad signatures, AEAD open failures, skipped-key
	// overflow, and missing prekeys. Fatal for the operation; session
	// state is left unchanged.
	Crypto Kind = "crypto"

	// Protocol covers malformed envelopes, missing required fields,
	// and base64 failures. Same policy as Crypto.
	Protocol Kind = "protocol"

	// PeerReset signals the §4.5 reset heuristic tripped. The session
	// is deleted; a subsequent envelope carrying x3dh re-establishes it.
	PeerReset Kind = "peer_reset"

	// StateMissing signals a referenced prekey-id or session record is
	// gone. Recoverable: the initiator re-runs X3DH, the responder
	// returns to the caller who may ask the peer to retry.
	StateMissing Kind = "state_missing"

	// Transport covers HTTP or stream I/O failures. Recoverable with
	// backoff; must never partially mutate crypto state.
	Transport Kind = "transport"

	// Storage covers vault or session file write failures. Fatal for
	// the operation; in-memory state rolls back to the last persisted
	// snapshot.
	Storage Kind = "storage"

	// Validation covers bad caller input. Rejected at entry, no side
	// effects.
	Validation Kind = "validation"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// recovery policy without string-matching messages. Messages are safe
// to log: implementations must never format secret material into Msg.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errkind.New(errkind.Crypto, "")) style
// checks: any *Error target with the same Kind matches, whatever its
// message.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// OfKind reports whether err (or one it wraps) carries the given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
