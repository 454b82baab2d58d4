// This file contains the socket metadata store: ephemeral per-connection
// state keyed by socket id. The store is shared between server instances so
// that presence aggregation and broadcast filtering are correct cluster-wide.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SocketMetadata is the ephemeral record attached to a connected socket.
// It exists iff the socket is currently connected.
type SocketMetadata struct {
	// SessionID identifies a logical visitor. It is stable across reconnects
	// within a browsing session and may be shared by multiple sockets (tabs).
	SessionID string `json:"sessionId"`

	// RoomJoinedAt maps room name to the time the socket joined it. This is
	// auxiliary data; the transport registry owns actual membership.
	RoomJoinedAt map[string]time.Time `json:"roomJoinedAtMap,omitempty"`
}

func (m *SocketMetadata) clone() *SocketMetadata {
	if m == nil {
		return nil
	}
	out := &SocketMetadata{SessionID: m.SessionID}

	if m.RoomJoinedAt != nil {
		out.RoomJoinedAt = make(map[string]time.Time, len(m.RoomJoinedAt))
		for room, at := range m.RoomJoinedAt {
			out.RoomJoinedAt[room] = at
		}
	}
	return out
}

// MetadataPatch is a partial metadata update. Nil fields are left unchanged;
// a non-nil RoomJoinedAt replaces the whole map.
type MetadataPatch struct {
	SessionID    *string
	RoomJoinedAt map[string]time.Time
}

func (p MetadataPatch) apply(meta *SocketMetadata) *SocketMetadata {
	if meta == nil {
		meta = &SocketMetadata{}
	}
	if p.SessionID != nil {
		meta.SessionID = *p.SessionID
	}
	if p.RoomJoinedAt != nil {
		meta.RoomJoinedAt = p.RoomJoinedAt
	}
	return meta
}

// MetadataStore is the shared key/value store holding SocketMetadata for
// every connected socket in the cluster. Get returns (nil, nil) for absent
// keys; an unreachable store surfaces as a temporary error and is never
// substituted with synthesized defaults.
type MetadataStore interface {
	Get(ctx context.Context, socketID string) (*SocketMetadata, error)
	Set(ctx context.Context, socketID string, patch MetadataPatch) error
	Clear(ctx context.Context, socketID string) error
	All(ctx context.Context) (map[string]*SocketMetadata, error)
}

// RedisMetadataStore keeps socket metadata in a single Redis hash per
// namespace, one field per socket id, JSON-encoded values. Writes are
// per-key read-modify-write; a socket belongs to exactly one instance's
// transport at a time, so no cross-instance write races occur.
type RedisMetadataStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisMetadataStore creates a metadata store on the given Redis client,
// scoped to the gateway namespace.
func NewRedisMetadataStore(client redis.UniversalClient, namespace string) *RedisMetadataStore {
	return &RedisMetadataStore{client: client, namespace: namespace}
}

func (s *RedisMetadataStore) key() string {
	return fmt.Sprintf("gateway:%s:socket_meta", s.namespace)
}

func (s *RedisMetadataStore) Get(ctx context.Context, socketID string) (*SocketMetadata, error) {
	raw, err := s.client.HGet(ctx, s.key(), socketID).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable(err, "metadata.get")
	}

	var meta SocketMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, wrapF(err, "corrupt metadata for socket %s", socketID)
	}
	return &meta, nil
}

func (s *RedisMetadataStore) Set(ctx context.Context, socketID string, patch MetadataPatch) error {
	current, err := s.Get(ctx, socketID)

	if err != nil && !IsTemporary(err) {
		// Corrupt entry: overwrite it rather than fail every future write.
		current = nil
	} else if err != nil {
		return err
	}
	data, err := json.Marshal(patch.apply(current))

	if err != nil {
		return wrapF(err, "failed to marshal metadata for socket %s", socketID)
	}
	if err := s.client.HSet(ctx, s.key(), socketID, data).Err(); err != nil {
		return storeUnavailable(err, "metadata.set")
	}
	return nil
}

func (s *RedisMetadataStore) Clear(ctx context.Context, socketID string) error {
	if err := s.client.HDel(ctx, s.key(), socketID).Err(); err != nil {
		return storeUnavailable(err, "metadata.clear")
	}
	return nil
}

func (s *RedisMetadataStore) All(ctx context.Context) (map[string]*SocketMetadata, error) {
	raw, err := s.client.HGetAll(ctx, s.key()).Result()

	if err != nil {
		return nil, storeUnavailable(err, "metadata.all")
	}
	result := make(map[string]*SocketMetadata, len(raw))

	for socketID, value := range raw {
		var meta SocketMetadata
		if err := json.Unmarshal([]byte(value), &meta); err != nil {
			continue
		}
		result[socketID] = &meta
	}
	return result, nil
}

// memoryMetadataStore is the in-memory MetadataStore used for single
// instance deployments and tests. It cannot see sockets on other instances.
type memoryMetadataStore struct {
	entries *store[*SocketMetadata]
}

// NewMemoryMetadataStore creates an instance-local metadata store.
func NewMemoryMetadataStore() MetadataStore {
	return &memoryMetadataStore{entries: newStore[*SocketMetadata]()}
}

func (s *memoryMetadataStore) Get(_ context.Context, socketID string) (*SocketMetadata, error) {
	meta, ok := s.entries.Read(socketID)

	if !ok {
		return nil, nil
	}
	return meta.clone(), nil
}

func (s *memoryMetadataStore) Set(_ context.Context, socketID string, patch MetadataPatch) error {
	current, _ := s.entries.Read(socketID)

	s.entries.Upsert(socketID, patch.apply(current.clone()))

	return nil
}

func (s *memoryMetadataStore) Clear(_ context.Context, socketID string) error {
	s.entries.Delete(socketID)

	return nil
}

func (s *memoryMetadataStore) All(_ context.Context) (map[string]*SocketMetadata, error) {
	entries := s.entries.List()

	result := make(map[string]*SocketMetadata, len(entries))

	for socketID, meta := range entries {
		result[socketID] = meta.clone()
	}
	return result, nil
}
