package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestMetadataStores(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) MetadataStore{
		"memory": func(t *testing.T) MetadataStore {
			return NewMemoryMetadataStore()
		},
		"redis": func(t *testing.T) MetadataStore {
			return NewRedisMetadataStore(newTestRedis(t), "web")
		},
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("absent key reads as unknown", func(t *testing.T) {
				s := build(t)

				meta, err := s.Get(ctx, "nope")

				require.NoError(t, err)
				require.Nil(t, meta)
			})

			t.Run("set merges fields", func(t *testing.T) {
				s := build(t)

				sid := "u1"
				require.NoError(t, s.Set(ctx, "s1", MetadataPatch{SessionID: &sid}))

				joined := map[string]time.Time{"lobby": time.Now().UTC().Truncate(time.Second)}
				require.NoError(t, s.Set(ctx, "s1", MetadataPatch{RoomJoinedAt: joined}))

				meta, err := s.Get(ctx, "s1")

				require.NoError(t, err)
				require.NotNil(t, meta)
				require.Equal(t, "u1", meta.SessionID, "session id must survive a rooms-only patch")
				require.Contains(t, meta.RoomJoinedAt, "lobby")

				sid2 := "u2"
				require.NoError(t, s.Set(ctx, "s1", MetadataPatch{SessionID: &sid2}))

				meta, err = s.Get(ctx, "s1")

				require.NoError(t, err)
				require.Equal(t, "u2", meta.SessionID)
				require.Contains(t, meta.RoomJoinedAt, "lobby", "rooms must survive a session-only patch")
			})

			t.Run("clear deletes the entry", func(t *testing.T) {
				s := build(t)

				sid := "u1"
				require.NoError(t, s.Set(ctx, "s1", MetadataPatch{SessionID: &sid}))
				require.NoError(t, s.Clear(ctx, "s1"))

				meta, err := s.Get(ctx, "s1")

				require.NoError(t, err)
				require.Nil(t, meta)

				require.NoError(t, s.Clear(ctx, "s1"), "clearing an absent key is a no-op")
			})

			t.Run("all enumerates every socket", func(t *testing.T) {
				s := build(t)

				for _, id := range []string{"s1", "s2", "s3"} {
					sid := "session-" + id
					require.NoError(t, s.Set(ctx, id, MetadataPatch{SessionID: &sid}))
				}
				all, err := s.All(ctx)

				require.NoError(t, err)
				require.Len(t, all, 3)
				require.Equal(t, "session-s2", all["s2"].SessionID)
			})
		})
	}
}

func TestRedisMetadataStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisMetadataStore(client, "web")

	ctx := context.Background()

	sid := "u1"
	require.NoError(t, s.Set(ctx, "s1", MetadataPatch{SessionID: &sid}))

	mr.Close()

	_, err := s.Get(ctx, "s1")

	require.Error(t, err)
	require.True(t, IsTemporary(err), "store outage must surface as retryable")

	err = s.Set(ctx, "s1", MetadataPatch{SessionID: &sid})

	require.Error(t, err)
	require.True(t, IsTemporary(err))
}

func TestMemoryMetadataStoreIsolation(t *testing.T) {
	s := NewMemoryMetadataStore()

	ctx := context.Background()

	sid := "u1"
	require.NoError(t, s.Set(ctx, "s1", MetadataPatch{SessionID: &sid, RoomJoinedAt: map[string]time.Time{"a": time.Now()}}))

	meta, err := s.Get(ctx, "s1")

	require.NoError(t, err)

	// Mutating the returned map must not leak into the store.
	meta.RoomJoinedAt["b"] = time.Now()

	again, err := s.Get(ctx, "s1")

	require.NoError(t, err)
	require.NotContains(t, again.RoomJoinedAt, "b")
}
