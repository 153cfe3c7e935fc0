// Package sessionstore provides persistence backends for session
// records: the normative file-based store, and an optional
// Redis-backed cache for client deployments that run as a restartable
// daemon sharing state across processes.
package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/ratchet"
	"github.com/kaelmesh/whisperlink/internal/session"
)

// FileStore persists one JSON file per peer under
// <root>/sessions/<peer-id>.json, writing to a temporary file and
// renaming it into place so a crash never leaves a partially-written
// session record, with owner-only file permissions throughout.
type FileStore struct {
	mu   sync.Mutex
	root string

	cacheMu sync.Mutex
	cache   map[string]*session.Record
}

// NewFileStore returns a FileStore rooted at root/sessions.
func NewFileStore(root string) (*FileStore, error) {
	dir := filepath.Join(root, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.Storage, "create sessions directory", err)
	}
	return &FileStore{root: dir, cache: make(map[string]*session.Record)}, nil
}

type wireRecord struct {
	PeerID    string          `json:"peer_id"`
	Ratchet   json.RawMessage `json:"ratchet"`
	Bootstrap json.RawMessage `json:"x3dh,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *FileStore) path(peerID string) string {
	return filepath.Join(s.root, peerID+".json")
}

// Load returns the cached or on-disk record for peerID.
func (s *FileStore) Load(peerID string) (*session.Record, bool, error) {
	s.cacheMu.Lock()
	if rec, ok := s.cache[peerID]; ok {
		s.cacheMu.Unlock()
		return rec, true, nil
	}
	s.cacheMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(peerID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Storage, "read session file", err)
	}

	var wr wireRecord
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, false, errkind.Wrap(errkind.Protocol, "decode session file", err)
	}

	rs := &ratchet.State{}
	if err := json.Unmarshal(wr.Ratchet, rs); err != nil {
		return nil, false, errkind.Wrap(errkind.Protocol, "decode ratchet state", err)
	}

	rec := &session.Record{
		PeerID:    wr.PeerID,
		Ratchet:   rs,
		CreatedAt: wr.CreatedAt,
	}
	if len(wr.Bootstrap) > 0 {
		if err := session.UnmarshalBootstrap(wr.Bootstrap, rec); err != nil {
			return nil, false, err
		}
	}

	s.cacheMu.Lock()
	s.cache[peerID] = rec
	s.cacheMu.Unlock()

	return rec, true, nil
}

// Save persists record to disk and refreshes the in-memory cache.
func (s *FileStore) Save(record *session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ratchetJSON, err := record.Ratchet.MarshalJSON()
	if err != nil {
		return errkind.Wrap(errkind.Storage, "encode ratchet state", err)
	}

	wr := wireRecord{
		PeerID:    record.PeerID,
		Ratchet:   ratchetJSON,
		CreatedAt: record.CreatedAt,
	}
	if b, err := session.MarshalBootstrap(record); err == nil && b != nil {
		wr.Bootstrap = b
	} else if err != nil {
		return err
	}

	out, err := json.MarshalIndent(wr, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Storage, "encode session record", err)
	}

	tmp := s.path(record.PeerID) + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return errkind.Wrap(errkind.Storage, "write session temp file", err)
	}
	if err := os.Rename(tmp, s.path(record.PeerID)); err != nil {
		return errkind.Wrap(errkind.Storage, "rename session temp file into place", err)
	}

	s.cacheMu.Lock()
	s.cache[record.PeerID] = record
	s.cacheMu.Unlock()
	return nil
}

// Delete removes a peer's session record, for use after a peer-reset
// detection or an explicit teardown.
func (s *FileStore) Delete(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cacheMu.Lock()
	delete(s.cache, peerID)
	s.cacheMu.Unlock()

	if err := os.Remove(s.path(peerID)); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Storage, "delete session file", err)
	}
	return nil
}
