package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/redis/go-redis/v9"
)

const presencePrefix = "presence:%s:%s"
const roomPresencePrefix = "room:%s:presence"

// PresenceTTL bounds how stale a presence entry can get before it disappears
// on its own; connections refresh it from their ping loop.
const PresenceTTL = 90 * time.Second

type RedisRoomPresenceRepository struct {
	client *redis.Client
}

func NewRedisRoomPresenceRepository(client *redis.Client) *RedisRoomPresenceRepository {
	return &RedisRoomPresenceRepository{client: client}
}

func (r *RedisRoomPresenceRepository) SetPresence(ctx context.Context, presence *models.RoomPresence) error {
	jsonData, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	key := fmt.Sprintf(presencePrefix, presence.RoomID, presence.Username)
	if err := r.client.Set(ctx, key, jsonData, PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}

	roomKey := fmt.Sprintf(roomPresencePrefix, presence.RoomID)
	if err := r.client.SAdd(ctx, roomKey, presence.Username).Err(); err != nil {
		return fmt.Errorf("failed to add presence to room set: %w", err)
	}
	return nil
}

func (r *RedisRoomPresenceRepository) ListRoom(ctx context.Context, roomID uuid.UUID) ([]*models.RoomPresence, error) {
	roomKey := fmt.Sprintf(roomPresencePrefix, roomID)
	usernames, err := r.client.SMembers(ctx, roomKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room presence set: %w", err)
	}

	var present []*models.RoomPresence
	var expired []interface{}
	for _, username := range usernames {
		jsonData, err := r.client.Get(ctx, fmt.Sprintf(presencePrefix, roomID, username)).Result()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, username)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get presence: %w", err)
		}

		var presence models.RoomPresence
		if err := json.Unmarshal([]byte(jsonData), &presence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
		}
		present = append(present, &presence)
	}

	// Lazy cleanup of entries whose TTL fired.
	if len(expired) > 0 {
		if err := r.client.SRem(ctx, roomKey, expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove expired presence: %w", err)
		}
	}
	return present, nil
}

func (r *RedisRoomPresenceRepository) DeletePresence(ctx context.Context, roomID uuid.UUID, username string) error {
	roomKey := fmt.Sprintf(roomPresencePrefix, roomID)
	if err := r.client.SRem(ctx, roomKey, username).Err(); err != nil {
		return fmt.Errorf("failed to remove presence from room set: %w", err)
	}
	if err := r.client.Del(ctx, fmt.Sprintf(presencePrefix, roomID, username)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}
