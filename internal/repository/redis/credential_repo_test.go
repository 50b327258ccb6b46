package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguacall/internal/domain"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCredentialRepository_RoundTrip(t *testing.T) {
	client := newTestClient(t)
	repo := NewCredentialRepository(client)
	ctx := context.Background()

	cred := domain.Credential{
		Token:     "tok",
		Channel:   "repo_test_channel",
		UID:       3,
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, repo.Set(ctx, cred, time.Minute))
	defer repo.Delete(ctx, cred.Channel, cred.UID)

	got, ok, err := repo.Get(ctx, cred.Channel, cred.UID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cred.Token, got.Token)
	assert.True(t, cred.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, repo.Delete(ctx, cred.Channel, cred.UID))
	_, ok, err = repo.Get(ctx, cred.Channel, cred.UID)
	assert.NoError(t, err)
	assert.False(t, ok)
}
