package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/ratchet"
	"github.com/kaelmesh/whisperlink/internal/session"
)

// RedisStore mirrors FileStore's record shape in Redis, for
// deployments that run the client as a restartable daemon sharing
// session state across processes. It uses the same serialization
// format as FileStore, not an independent format. It does not write
// through to a FileStore or keep any on-disk copy itself.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps an existing go-redis client. keyPrefix namespaces
// this client's session keys (e.g. "whisperlink:sessions:"); ttl of
// zero means keys never expire.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) key(peerID string) string {
	return fmt.Sprintf("%s%s", r.keyPrefix, peerID)
}

// Load fetches and decodes a peer's session record from Redis,
// retrying once after any error other than a missing key.
func (r *RedisStore) Load(peerID string) (*session.Record, bool, error) {
	ctx := context.Background()
	var raw string
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err = r.client.Get(ctx, r.key(peerID)).Result()
		if err == nil || err == redis.Nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Storage, "load session from redis", err)
	}

	var wr wireRecord
	if err := json.Unmarshal([]byte(raw), &wr); err != nil {
		return nil, false, errkind.Wrap(errkind.Protocol, "decode redis session record", err)
	}
	rs := &ratchet.State{}
	if err := json.Unmarshal(wr.Ratchet, rs); err != nil {
		return nil, false, errkind.Wrap(errkind.Protocol, "decode ratchet state", err)
	}
	rec := &session.Record{PeerID: wr.PeerID, Ratchet: rs, CreatedAt: wr.CreatedAt}
	if len(wr.Bootstrap) > 0 {
		if err := session.UnmarshalBootstrap(wr.Bootstrap, rec); err != nil {
			return nil, false, err
		}
	}
	return rec, true, nil
}

// Save encodes and stores record in Redis, retrying once after any
// error.
func (r *RedisStore) Save(record *session.Record) error {
	ratchetJSON, err := record.Ratchet.MarshalJSON()
	if err != nil {
		return errkind.Wrap(errkind.Storage, "encode ratchet state", err)
	}
	wr := wireRecord{PeerID: record.PeerID, Ratchet: ratchetJSON, CreatedAt: record.CreatedAt}
	if b, err := session.MarshalBootstrap(record); err != nil {
		return err
	} else if b != nil {
		wr.Bootstrap = b
	}

	out, err := json.Marshal(wr)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "encode session record", err)
	}

	ctx := context.Background()
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.client.Set(ctx, r.key(record.PeerID), out, r.ttl).Err(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return errkind.Wrap(errkind.Storage, "save session to redis", err)
}

// Delete removes a peer's session record from Redis.
func (r *RedisStore) Delete(peerID string) error {
	ctx := context.Background()
	if err := r.client.Del(ctx, r.key(peerID)).Err(); err != nil {
		return errkind.Wrap(errkind.Storage, "delete session from redis", err)
	}
	return nil
}
