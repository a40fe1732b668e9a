package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// RedisStore is a BlobStore backed by Redis. Entries expire after CacheTTL;
// a zero TTL keeps them until Redis evicts them.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
	}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + KeyHash(key)
}

// Get retrieves the image bytes stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redisClient.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during get.")
		return nil, fmt.Errorf("redis get failed for key %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Redis cache hit.")
	return data, nil
}

// Exists reports whether key is stored.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.redisClient.Exists(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed for key %s: %w", key, err)
	}
	return n > 0, nil
}

// Put stores data under key with the configured TTL.
func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.redisClient.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to set data in Redis cache.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	s.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
