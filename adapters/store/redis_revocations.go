package store

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/custodian/ports"
	"github.com/redis/go-redis/v9"
)

// RedisRevocations is a Redis implementation of the RevocationList interface
type RedisRevocations struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRevocations creates a new Redis revocation list
func NewRedisRevocations(client redis.Cmdable) *RedisRevocations {
	return &RedisRevocations{
		client: client,
		prefix: "custodian:revoked:",
	}
}

var _ ports.RevocationList = (*RedisRevocations)(nil)

// RevokeSession marks a session as revoked until its token would expire anyway
func (s *RedisRevocations) RevokeSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.prefix+sessionID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// IsSessionRevoked checks if a session id is on the denylist
func (s *RedisRevocations) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	val, err := s.client.Exists(ctx, s.prefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session revocation: %w", err)
	}
	return val > 0, nil
}
