package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLocalLimiterWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLocalLimiter(time.Minute, 10)
	l.now = clock.Now
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Truef(t, ok, "expected attempt %d to be allowed", i)
		clock.Advance(time.Second)
	}

	ok, _ := l.Allow(ctx, "1.2.3.4")
	assert.False(t, ok, "expected 11th attempt inside the window to be rejected")

	ok, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, ok, "expected other addresses to be unaffected")

	// first attempt was at t=0; at t=61s the first two have expired, but the
	// rejected attempt at t=10s still counts
	clock.Advance(51 * time.Second)
	ok, _ = l.Allow(ctx, "1.2.3.4")
	assert.True(t, ok, "expected attempts older than the window to be pruned")
}

func TestLocalLimiterRetriesStayThrottled(t *testing.T) {
	clock := newFakeClock()
	l := NewLocalLimiter(10*time.Second, 2)
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(ctx, "k")
		require.True(t, ok)
	}

	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		ok, _ := l.Allow(ctx, "k")
		assert.False(t, ok, "expected continuous retries to stay rejected")
	}

	clock.Advance(11 * time.Second)
	ok, _ := l.Allow(ctx, "k")
	assert.True(t, ok, "expected admission after backing off for a full window")
}

func TestLocalLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	l := NewLocalLimiter(time.Minute, 10)
	l.now = clock.Now

	for i := 0; i < 5; i++ {
		_, _ = l.Allow(context.Background(), fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 5, l.keys())

	clock.Advance(30 * time.Second)
	_, _ = l.Allow(context.Background(), "10.0.0.0")
	clock.Advance(31 * time.Second)
	l.Sweep()

	assert.Equal(t, 1, l.keys(), "expected only the recently active key to remain")
}

func TestLocalLimiterIndependentInstances(t *testing.T) {
	a := NewLocalLimiter(time.Minute, 1)
	b := NewLocalLimiter(time.Minute, 1)
	ctx := context.Background()

	ok, _ := a.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = b.Allow(ctx, "k")
	assert.True(t, ok, "expected limiter state to be per instance")
}

type stubLimiter struct {
	ok  bool
	err error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) {
	return s.ok, s.err
}

func TestControllerAdmit(t *testing.T) {
	tcases := []struct {
		name       string
		limiter    Limiter
		expectErr  error
		expectIncr bool
	}{
		{name: "allowed", limiter: stubLimiter{ok: true}},
		{name: "rejected", limiter: stubLimiter{ok: false}, expectErr: apperr.ErrRateLimited, expectIncr: true},
		{name: "limiter error fails open", limiter: stubLimiter{ok: true, err: errors.New("redis down")}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			sp := &stats.MockStatsUpdater{}
			sp.On("RegisterCounter", stats.AdmissionRejections).Return()
			sp.On("Incr", stats.AdmissionRejections).Return()

			c := NewController(tc.limiter, sp, testutil.TestLogger(t))
			err := c.Admit(context.Background(), "1.2.3.4")
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
			} else {
				assert.NoError(t, err)
			}

			if tc.expectIncr {
				sp.AssertCalled(t, "Incr", stats.AdmissionRejections)
			} else {
				sp.AssertNotCalled(t, "Incr", stats.AdmissionRejections)
			}
		})
	}
}
