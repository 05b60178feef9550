package ports

import (
	"context"
	"time"

	"github.com/layer-3/custodian/core"
)

// ChallengeRegistry keeps short-lived, single-use challenges. Unknown,
// expired and already redeemed ids all fail with core.ErrChallengeNotFound.
type ChallengeRegistry interface {
	Issue(ctx context.Context, purpose core.Purpose, hint core.ChallengeHint, ttl time.Duration) (*core.Challenge, error)
	// Redeem atomically fetches and removes the challenge.
	Redeem(ctx context.Context, id string) (*core.Challenge, error)
	// Peek fetches without consuming.
	Peek(ctx context.Context, id string) (*core.Challenge, error)
}
