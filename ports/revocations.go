package ports

import (
	"context"
	"time"
)

// RevocationList is a shared, TTL-bound denylist of revoked session ids.
// It is a fast path in front of the SessionStore, which stays authoritative.
type RevocationList interface {
	RevokeSession(ctx context.Context, sessionID string, ttl time.Duration) error
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
}
