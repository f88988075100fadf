package watermark

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultKeyPrefix namespaces watermark keys.
const DefaultKeyPrefix = "fieldsync:watermark:"

// RedisConfig holds configuration for the Redis client.
type RedisConfig struct {
	Addr      string // e.g., "localhost:6379"
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires watermarks of owners that stop syncing. Zero keeps them.
	TTL time.Duration
}

// RedisStore keeps watermarks in Redis, so every process serving an owner
// sees the same value.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	logger = logger.With().Str("component", "RedisWatermarkStore").Logger()
	if cfg.KeyPrefix == "" {
		logger.Warn().Str("key_prefix", DefaultKeyPrefix).Msg("KeyPrefix not set, using default")
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis for sync watermarks")

	return &RedisStore{
		client: rdb,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func (s *RedisStore) key(owner string) string {
	return s.prefix + owner
}

// LastSuccessfulSync reads the owner's watermark. A missing key is not an error.
func (s *RedisStore) LastSuccessfulSync(ctx context.Context, owner string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, s.key(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark from redis: %w", err)
	}
	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("Corrupt watermark in Redis, ignoring")
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

// AdvanceLastSuccessfulSync stores at, in unix milliseconds.
func (s *RedisStore) AdvanceLastSuccessfulSync(ctx context.Context, owner string, at time.Time) error {
	if err := s.client.Set(ctx, s.key(owner), strconv.FormatInt(at.UnixMilli(), 10), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write watermark to redis: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
