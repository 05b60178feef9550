package challenge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRegistry(client), mr
}

// registryContract runs the behaviour every registry must share
func registryContract(t *testing.T, r ports.ChallengeRegistry) {
	ctx := context.Background()
	hint := core.ChallengeHint{Email: "alice@example.com", UserID: "u1"}

	t.Run("issue and redeem once", func(t *testing.T) {
		c, err := r.Issue(ctx, core.PurposeLogin, hint, time.Minute)
		require.NoError(t, err)
		assert.Len(t, c.Bytes, BytesSize)
		assert.NotEmpty(t, c.ID)

		got, err := r.Redeem(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, core.PurposeLogin, got.Purpose)
		assert.Equal(t, "alice@example.com", got.Email)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, c.Bytes, got.Bytes)

		_, err = r.Redeem(ctx, c.ID)
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := r.Redeem(ctx, "never-issued")
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
		_, err = r.Peek(ctx, "never-issued")
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("peek does not consume", func(t *testing.T) {
		c, err := r.Issue(ctx, core.PurposeRecovery, hint, time.Minute)
		require.NoError(t, err)

		_, err = r.Peek(ctx, c.ID)
		require.NoError(t, err)
		_, err = r.Redeem(ctx, c.ID)
		require.NoError(t, err)
		_, err = r.Peek(ctx, c.ID)
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("ids are unique", func(t *testing.T) {
		a, err := r.Issue(ctx, core.PurposeLogin, hint, time.Minute)
		require.NoError(t, err)
		b, err := r.Issue(ctx, core.PurposeLogin, hint, time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
		assert.NotEqual(t, a.Bytes, b.Bytes)
	})

	t.Run("concurrent redeem succeeds once", func(t *testing.T) {
		c, err := r.Issue(ctx, core.PurposeRegistration, hint, time.Minute)
		require.NoError(t, err)

		var ok, notFound atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Redeem(ctx, c.ID)
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, core.ErrChallengeNotFound):
					notFound.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(19), notFound.Load())
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		_, err := r.Issue(ctx, core.PurposeLogin, hint, 0)
		assert.Error(t, err)
	})
}

func TestMemoryRegistry(t *testing.T) {
	registryContract(t, NewMemoryRegistry())
}

func TestRedisRegistry(t *testing.T) {
	r, _ := newRedisRegistry(t)
	registryContract(t, r)
}

func TestMemoryRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry().WithClock(clk.Now)

	expired, err := r.Issue(ctx, core.PurposeLogin, core.ChallengeHint{}, time.Minute)
	require.NoError(t, err)
	live, err := r.Issue(ctx, core.PurposeLogin, core.ChallengeHint{}, time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	_, err = r.Peek(ctx, expired.ID)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.Len())

	// Expired and unknown ids are indistinguishable
	other, err := r.Issue(ctx, core.PurposeLogin, core.ChallengeHint{}, time.Minute)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, errExpired := r.Redeem(ctx, other.ID)
	_, errUnknown := r.Redeem(ctx, "unknown")
	assert.Equal(t, errUnknown, errExpired)

	_, err = r.Redeem(ctx, live.ID)
	assert.NoError(t, err)
}

func TestMemoryRegistry_Run(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry().WithClock(clk.Now)

	_, err := r.Issue(context.Background(), core.PurposeLogin, core.ChallengeHint{}, time.Minute)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRedisRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRegistry(t)

	c, err := r.Issue(ctx, core.PurposeLogin, core.ChallengeHint{}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("custodian:challenge:"+c.ID))

	mr.FastForward(2 * time.Minute)

	_, err = r.Redeem(ctx, c.ID)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestRedisRegistry_ClockExpiry(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisRegistry(t)
	clk := &clock{now: time.Now()}
	r.now = clk.Now

	c, err := r.Issue(ctx, core.PurposeLogin, core.ChallengeHint{}, time.Minute)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = r.Redeem(ctx, c.ID)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestRedisRegistry_ConnectionError(t *testing.T) {
	r, mr := newRedisRegistry(t)
	mr.Close()

	_, err := r.Redeem(context.Background(), "anything")
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrChallengeNotFound)
}
