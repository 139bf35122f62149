// Package redisset provides a dedup.Set backed by a Redis set, so that the
// seen identifiers of a run survive process restarts and can be shared by
// cooperating crawlers.
package redisset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "seen:"

// Config controls key naming and expiry.
type Config struct {
	RunID  string
	TTL    time.Duration
	Logger *zap.Logger
}

// Set stores identifiers under one Redis key per run.
type Set struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	expirySet bool
}

// New returns a Set that writes to client.
func New(client redis.Cmdable, cfg Config) (*Set, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		client: client,
		key:    Key(cfg.RunID),
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// Key returns the Redis key used for runID.
func Key(runID string) string {
	return keyPrefix + runID
}

// Add implements dedup.Set using SADD, which reports whether the member is new.
// A failed EXPIRE is logged and attempted again on the next Add; it never
// changes the answer once SADD succeeded.
func (s *Set) Add(ctx context.Context, id string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", s.key, err)
	}
	s.ensureExpiry(ctx)
	return added == 1, nil
}

func (s *Set) ensureExpiry(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expirySet {
		return
	}
	if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to set seen-set expiry", zap.String("key", s.key), zap.Error(err))
		return
	}
	s.expirySet = true
}

// Release deletes the run's key.
func (s *Set) Release(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.key, err)
	}
	return nil
}
