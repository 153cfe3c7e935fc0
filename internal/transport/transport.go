// Package transport defines the boundary contracts the session
// manager depends on but does not implement: fetching and publishing
// prekey bundles, marking one-time prekeys consumed, and moving
// encrypted envelopes to and from a peer. Concrete adapters live in
// the httptransport, streamtransport, and endpoint subpackages.
package transport

import (
	"context"

	"github.com/kaelmesh/whisperlink/internal/keystore"
)

// BundleService fetches a peer's published prekey bundle and publishes
// the local user's own bundle.
type BundleService interface {
	FetchBundle(ctx context.Context, peerID string) (keystore.Bundle, error)
	PublishBundle(ctx context.Context, bundle keystore.Bundle) error
}

// OneTimePrekeyMarker tells the server that a one-time prekey has been
// consumed by an initiator, so it is never handed to a second peer.
type OneTimePrekeyMarker interface {
	MarkOneTimePrekeyUsed(ctx context.Context, keyID uint32) error
}

// StreamTransport moves already-encrypted envelope bytes to and from a
// peer over a persistent connection. It never sees plaintext or key
// material; encryption and decryption happen entirely above it.
type StreamTransport interface {
	Send(ctx context.Context, peerID string, envelope []byte) error
	Receive(ctx context.Context) (peerID string, envelope []byte, err error)
	Close() error
}
