// Package challenge holds ChallengeRegistry implementations.
package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
)

const (
	// IDSize is the entropy of a challenge id in bytes
	IDSize = 32
	// BytesSize is the entropy of the signed challenge in bytes
	BytesSize = 32
)

func newChallenge(purpose core.Purpose, hint core.ChallengeHint, now time.Time, ttl time.Duration) (*core.Challenge, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("challenge ttl must be positive")
	}
	id := make([]byte, IDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("failed to generate challenge id: %w", err)
	}
	b := make([]byte, BytesSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return &core.Challenge{
		ID:        base64.RawURLEncoding.EncodeToString(id),
		Purpose:   purpose,
		Email:     hint.Email,
		UserID:    hint.UserID,
		Bytes:     b,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
