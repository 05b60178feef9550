package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
)

// MemoryRegistry is an in-memory implementation of the ChallengeRegistry
// interface for single-instance deployments and tests
type MemoryRegistry struct {
	mu         sync.Mutex
	challenges map[string]*core.Challenge
	now        func() time.Time
}

// NewMemoryRegistry creates a new in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		challenges: make(map[string]*core.Challenge),
		now:        time.Now,
	}
}

var _ ports.ChallengeRegistry = (*MemoryRegistry)(nil)

// WithClock replaces the time source
func (r *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	r.now = now
	return r
}

func (r *MemoryRegistry) Issue(ctx context.Context, purpose core.Purpose, hint core.ChallengeHint, ttl time.Duration) (*core.Challenge, error) {
	c, err := newChallenge(purpose, hint, r.now(), ttl)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[c.ID] = c

	cp := *c
	return &cp, nil
}

func (r *MemoryRegistry) Redeem(ctx context.Context, id string) (*core.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.challenges[id]
	if !ok {
		return nil, core.ErrChallengeNotFound
	}
	delete(r.challenges, id)
	if c.Expired(r.now()) {
		return nil, core.ErrChallengeNotFound
	}
	return c, nil
}

func (r *MemoryRegistry) Peek(ctx context.Context, id string) (*core.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.challenges[id]
	if !ok || c.Expired(r.now()) {
		return nil, core.ErrChallengeNotFound
	}
	cp := *c
	return &cp, nil
}

// Sweep removes expired entries and returns how many were dropped
func (r *MemoryRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for id, c := range r.challenges {
		if c.Expired(now) {
			delete(r.challenges, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done
func (r *MemoryRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired ones included
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.challenges)
}
