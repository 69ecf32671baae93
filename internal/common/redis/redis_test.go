package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Config{
		URL:       "redis://" + mr.Addr(),
		KeyPrefix: "test:",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestIdempotencyStore(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	_, found, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, client.Set(ctx, "k1", []byte(`{"status":200}`), time.Minute))

	data, found, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"status":200}`, string(data))

	mr.FastForward(2 * time.Minute)
	_, found, err = client.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLockExcludesSecondHolder(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	release, err := client.Lock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)

	_, err = client.Lock(ctx, "reconcile", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	release()
	assert.False(t, mr.Exists("test:lock:reconcile"))

	release2, err := client.Lock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestLockReleaseDoesNotStealNewHolder(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	staleRelease, err := client.Lock(ctx, "refund-expiry", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = client.Lock(ctx, "refund-expiry", time.Minute)
	require.NoError(t, err)

	staleRelease()
	assert.True(t, mr.Exists("test:lock:refund-expiry"))
}
