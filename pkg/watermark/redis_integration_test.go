//go:build integration

package watermark_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-fieldsync/pkg/helpers/emulators"
	"github.com/illmade-knight/go-fieldsync/pkg/watermark"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	redisConn := emulators.SetupRedisContainer(t, ctx, emulators.GetDefaultRedisImageContainer())
	store, err := watermark.NewRedisStore(ctx, watermark.RedisConfig{Addr: redisConn.EmulatorAddress, TTL: time.Hour}, logger)
	require.NoError(t, err)
	defer store.Close()

	watermarkSuite(t, store)

	redisClient := redis.NewClient(&redis.Options{Addr: redisConn.EmulatorAddress})
	defer redisClient.Close()

	t.Run("keys are prefixed and expire", func(t *testing.T) {
		ttl, err := redisClient.TTL(ctx, watermark.DefaultKeyPrefix+"alice").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("corrupt values read as missing", func(t *testing.T) {
		require.NoError(t, redisClient.Set(ctx, watermark.DefaultKeyPrefix+"mallory", "yesterday", 0).Err())
		_, found, err := store.LastSuccessfulSync(ctx, "mallory")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := watermark.NewRedisStore(ctx, watermark.RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, err)
}
