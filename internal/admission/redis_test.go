package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiter(t *testing.T) {
	url := testutil.RedisURL(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	clock := newFakeClock()
	l := NewRedisLimiter(client, time.Minute, 10)
	l.now = clock.Now

	for i := 1; i <= 10; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Truef(t, ok, "expected attempt %d to be allowed", i)
		clock.Advance(time.Second)
	}

	ok, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok, "expected 11th attempt inside the window to be rejected")

	clock.Advance(51 * time.Second)
	ok, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok, "expected attempts older than the window to be pruned")
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	url := testutil.RedisURL(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	// two limiters stand in for two workers
	workers := []*RedisLimiter{NewRedisLimiter(client, time.Minute, 10), NewRedisLimiter(client, time.Minute, 10)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(l *RedisLimiter) {
			defer wg.Done()
			ok, err := l.Allow(ctx, "shared")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(workers[i%2])
	}
	wg.Wait()

	assert.Equal(t, 10, allowed, "expected one budget shared by both workers")
}

func TestNewRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
