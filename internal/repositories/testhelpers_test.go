package repositories

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openvtt/tokensync/internal/database"
	"github.com/openvtt/tokensync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to the database named by TEST_DATABASE_URL and applies
// the schema. Tests that need postgres skip when the variable is unset.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres integration test")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(context.Background(), pool))
	return pool
}

// getTestRedis connects to the redis named by TEST_REDIS_URL. Tests that need
// redis skip when the variable is unset.
func getTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping redis integration test")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err, "Failed to parse TEST_REDIS_URL")
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

// setupTestRoom creates an account and a room it owns, satisfying the foreign
// keys on the event tables. Cleanup deletes the account, cascading to rooms,
// counters, events, and aggregates.
func setupTestRoom(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *models.Room {
	t.Helper()
	accountRepo := NewPostgresAccountRepository(pool)
	roomRepo := NewPostgresRoomRepository(pool)

	account := &models.Account{
		Username:     "test-" + uuid.New().String(),
		PasswordHash: "test-hash",
	}
	require.NoError(t, accountRepo.Create(ctx, account), "Failed to create test account")
	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), `DELETE FROM accounts WHERE id = $1`, account.ID); err != nil {
			t.Logf("Warning: failed to cleanup test account: %v", err)
		}
	})

	room := &models.Room{Name: "Test Room", OwnerID: account.ID}
	require.NoError(t, roomRepo.Create(ctx, room), "Failed to create test room")
	return room
}

// inTestTx runs fn in a transaction and commits it.
func inTestTx(t *testing.T, ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) {
	t.Helper()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit(ctx))
}
