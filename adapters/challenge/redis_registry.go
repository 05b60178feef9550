package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry is a Redis implementation of the ChallengeRegistry
// interface. Redis TTLs reclaim abandoned challenges and GETDEL makes
// redemption atomic across instances.
type RedisRegistry struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisRegistry creates a new Redis registry
func NewRedisRegistry(client redis.Cmdable) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: "custodian:challenge:",
		now:    time.Now,
	}
}

var _ ports.ChallengeRegistry = (*RedisRegistry)(nil)

type storedChallenge struct {
	Purpose   core.Purpose `json:"purpose"`
	Email     string       `json:"email,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	Bytes     []byte       `json:"bytes"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (r *RedisRegistry) Issue(ctx context.Context, purpose core.Purpose, hint core.ChallengeHint, ttl time.Duration) (*core.Challenge, error) {
	c, err := newChallenge(purpose, hint, r.now(), ttl)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(storedChallenge{
		Purpose:   c.Purpose,
		Email:     c.Email,
		UserID:    c.UserID,
		Bytes:     c.Bytes,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}

	// SetNX so a colliding id can never overwrite a live challenge
	ok, err := r.client.SetNX(ctx, r.prefix+c.ID, payload, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("challenge id collision")
	}
	return c, nil
}

func (r *RedisRegistry) Redeem(ctx context.Context, id string) (*core.Challenge, error) {
	val, err := r.client.GetDel(ctx, r.prefix+id).Bytes()
	return r.decode(id, val, err)
}

func (r *RedisRegistry) Peek(ctx context.Context, id string) (*core.Challenge, error) {
	val, err := r.client.Get(ctx, r.prefix+id).Bytes()
	return r.decode(id, val, err)
}

func (r *RedisRegistry) decode(id string, val []byte, err error) (*core.Challenge, error) {
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	var sc storedChallenge
	if err := json.Unmarshal(val, &sc); err != nil {
		return nil, core.ErrChallengeNotFound
	}
	c := &core.Challenge{
		ID:        id,
		Purpose:   sc.Purpose,
		Email:     sc.Email,
		UserID:    sc.UserID,
		Bytes:     sc.Bytes,
		IssuedAt:  sc.IssuedAt,
		ExpiresAt: sc.ExpiresAt,
	}
	// Redis expiry has millisecond resolution; check again here
	if c.Expired(r.now()) {
		return nil, core.ErrChallengeNotFound
	}
	return c, nil
}
