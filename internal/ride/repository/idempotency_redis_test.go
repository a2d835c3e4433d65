package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisIdempotencyRepo(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	repo := NewRedisIdempotencyRepo(client, time.Minute)

	_, ok, err := repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "k", []byte(`{"ride_id":"1"}`)))
	require.NoError(t, repo.PutResponse(ctx, "k", []byte(`{"ride_id":"2"}`)))
	payload, ok, err := repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"ride_id":"1"}`, string(payload))

	mr.FastForward(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
