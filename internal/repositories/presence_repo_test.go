package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPresenceRepository_SetAndList tests recording presence and reading the
// room roster back.
func TestPresenceRepository_SetAndList(t *testing.T) {
	// ARRANGE
	client := getTestRedis(t)
	repo := NewRedisRoomPresenceRepository(client)
	ctx := context.Background()
	roomID := uuid.New()

	// ACT
	for _, username := range []string{"alice", "bob"} {
		err := repo.SetPresence(ctx, &models.RoomPresence{
			RoomID:   roomID,
			Username: username,
			LastSeen: time.Now(),
		})
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		repo.DeletePresence(context.Background(), roomID, "alice")
		repo.DeletePresence(context.Background(), roomID, "bob")
	})

	// ASSERT
	present, err := repo.ListRoom(ctx, roomID)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, p := range present {
		names[p.Username] = true
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
	assert.Len(t, present, 2)
}

// TestPresenceRepository_Delete tests that a departed user drops off the
// roster immediately.
func TestPresenceRepository_Delete(t *testing.T) {
	client := getTestRedis(t)
	repo := NewRedisRoomPresenceRepository(client)
	ctx := context.Background()
	roomID := uuid.New()

	require.NoError(t, repo.SetPresence(ctx, &models.RoomPresence{
		RoomID: roomID, Username: "alice", LastSeen: time.Now(),
	}))

	require.NoError(t, repo.DeletePresence(ctx, roomID, "alice"))

	present, err := repo.ListRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, present)
}

// TestPresenceRepository_LazyExpiry tests that a presence entry whose TTL key
// vanished is cleaned out of the room set on the next list.
func TestPresenceRepository_LazyExpiry(t *testing.T) {
	client := getTestRedis(t)
	repo := NewRedisRoomPresenceRepository(client)
	ctx := context.Background()
	roomID := uuid.New()

	require.NoError(t, repo.SetPresence(ctx, &models.RoomPresence{
		RoomID: roomID, Username: "alice", LastSeen: time.Now(),
	}))

	// Simulate the TTL firing by deleting the per-user key directly, leaving
	// the stale room-set member behind.
	key := "presence:" + roomID.String() + ":alice"
	require.NoError(t, client.Del(ctx, key).Err())

	present, err := repo.ListRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, present)

	// The stale member is gone from the set too.
	members, err := client.SMembers(ctx, "room:"+roomID.String()+":presence").Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
