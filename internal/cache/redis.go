package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// redisStore is the remote backend. Namespaces are expressed as key
// prefixes, so Clear(ns) is a SCAN over "ns:*" followed by a delete.
type redisStore struct {
	client     *redis.Client
	defaultTTL int
	logger     zerolog.Logger
}

func newRedisStore(cfg Config) *redisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Remote.Host, cfg.Remote.Port),
		Password: cfg.Remote.Password,
	})
	return &redisStore{
		client:     client,
		defaultTTL: cfg.DefaultTTL,
		logger:     log.With().Str("component", "cache").Str("backend", "redis").Logger(),
	}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		// Read failures degrade to a miss; the caller falls back to the
		// source of truth.
		s.logger.Debug().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return nil, false
	}
	return value, true
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, opts Options) error {
	ttl := s.defaultTTL
	if opts.TTL != nil {
		ttl = *opts.TTL
	}

	var expiry time.Duration // zero means no expiry
	if ttl > 0 {
		expiry = time.Duration(ttl) * time.Second
	}

	if err := s.client.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context, namespace string) error {
	pattern := "*"
	if namespace != "" {
		pattern = namespace + ":*"
	}

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache clear scan %q: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache clear delete: %w", err)
	}
	return nil
}

func (s *redisStore) Has(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache exists check failed, treating as miss")
		return false
	}
	return n > 0
}

func (s *redisStore) Stop() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close cache connection")
	}
}
