package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	reply string
	err   error

	mu    sync.Mutex
	calls int
	last  Request
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.reply, f.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPoolRoundRobin(t *testing.T) {
	a := &fakeProvider{name: "a", reply: "from a"}
	b := &fakeProvider{name: "b", reply: "from b"}
	pool := NewPool(zerolog.Nop(), time.Minute, time.Second, a, b)

	var got []string
	for i := 0; i < 3; i++ {
		out, err := pool.Complete(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)
		got = append(got, out)
	}
	assert.Equal(t, []string{"from a", "from b", "from a"}, got)
}

func TestPoolFailoverAndCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &fakeProvider{name: "a", err: errors.New("quota exceeded")}
	b := &fakeProvider{name: "b", reply: "ok"}
	pool := NewPool(zerolog.Nop(), time.Minute, time.Second, a, b)
	pool.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := pool.Complete(ctx, Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	assert.Equal(t, 1, a.callCount(), "a is cooling down after its first failure")
	assert.Equal(t, 3, b.callCount())

	now = now.Add(2 * time.Minute)
	_, err := pool.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, a.callCount(), "a is retried once its cooldown passed")
}

func TestPoolAllFail(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("boom")}
	b := &fakeProvider{name: "b", err: errors.New("bang")}
	pool := NewPool(zerolog.Nop(), time.Minute, time.Second, a, b)

	_, err := pool.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "bang")

	// Both are cooling now.
	_, err = pool.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)
	assert.Equal(t, 1, a.callCount())
}

// cancellingProvider cancels the caller's context mid-call, like a
// shutdown arriving while a request is in flight.
type cancellingProvider struct {
	fakeProvider
	cancel context.CancelFunc
}

func (c *cancellingProvider) Complete(ctx context.Context, req Request) (string, error) {
	_, _ = c.fakeProvider.Complete(ctx, req)
	c.cancel()
	return "", ctx.Err()
}

func TestPoolCancelledCallDoesNotCoolProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &cancellingProvider{fakeProvider: fakeProvider{name: "a"}, cancel: cancel}
	b := &fakeProvider{name: "b", reply: "from b"}
	pool := NewPool(zerolog.Nop(), time.Hour, time.Second, a, b)

	_, err := pool.Complete(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.callCount(), "no failover once the caller is gone")

	pool.mu.Lock()
	cooling := pool.entries[0].coolUntil
	pool.mu.Unlock()
	assert.True(t, cooling.IsZero(), "a cancelled call does not start a cooldown")
}

func TestPoolEmpty(t *testing.T) {
	pool := NewPool(zerolog.Nop(), 0, 0)
	assert.Equal(t, 0, pool.Size())

	_, err := pool.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)
}

func TestPoolConcurrentUse(t *testing.T) {
	a := &fakeProvider{name: "a", reply: "a"}
	b := &fakeProvider{name: "b", reply: "b"}
	pool := NewPool(zerolog.Nop(), time.Minute, time.Second, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Complete(context.Background(), Request{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, a.callCount()+b.callCount())
	assert.Equal(t, 10, a.callCount())
}
