// Package admission throttles new connections per remote address with a
// sliding window. Every attempt is recorded, including rejected ones, so a
// client that keeps retrying stays throttled until it backs off.
package admission

import (
	"context"
	"time"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/rs/zerolog"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 10
)

type Limiter interface {
	// Allow records an attempt for key and reports whether it is within
	// the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

type Controller struct {
	limiter Limiter
	stats   stats.StatsProvider
	log     zerolog.Logger
}

func NewController(limiter Limiter, sp stats.StatsProvider, log zerolog.Logger) *Controller {
	sp.RegisterCounter(stats.AdmissionRejections)

	return &Controller{
		limiter: limiter,
		stats:   sp,
		log:     log.With().Str("component", "admission").Logger(),
	}
}

// Admit returns apperr.ErrRateLimited when remoteAddr has exceeded its
// budget. Limiter failures admit the connection.
func (c *Controller) Admit(ctx context.Context, remoteAddr string) error {
	ok, err := c.limiter.Allow(ctx, remoteAddr)
	if err != nil {
		c.log.Warn().Err(err).Str("remote_addr", remoteAddr).Msg("limiter unavailable, admitting connection")
		return nil
	}
	if !ok {
		c.stats.Incr(stats.AdmissionRejections)
		c.log.Warn().Str("remote_addr", remoteAddr).Msg("connection rate limited")
		return apperr.ErrRateLimited
	}
	return nil
}
