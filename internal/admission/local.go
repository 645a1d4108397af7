package admission

import (
	"context"
	"sync"
	"time"
)

// LocalLimiter keeps attempt history in this process only. Each worker has
// its own budget, so a client spread over n workers may get up to n times
// the limit.
type LocalLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewLocalLimiter(window time.Duration, max int) *LocalLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}

	return &LocalLimiter{
		window:   window,
		max:      max,
		now:      time.Now,
		attempts: make(map[string][]time.Time),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := prune(l.attempts[key], now.Add(-l.window))
	recent = append(recent, now)

	// only the newest max+1 attempts can affect the outcome
	if len(recent) > l.max+1 {
		recent = recent[len(recent)-(l.max+1):]
	}
	l.attempts[key] = recent

	return len(recent) <= l.max, nil
}

// prune drops attempts at or before cutoff. Attempts are stored in order.
func prune(attempts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	return attempts[i:]
}

// Sweep forgets keys whose attempts have all left the window.
func (l *LocalLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, attempts := range l.attempts {
		if len(prune(attempts, cutoff)) == 0 {
			delete(l.attempts, key)
		}
	}
}

// Run sweeps every interval until ctx is done.
func (l *LocalLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *LocalLimiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}
