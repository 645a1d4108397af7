// Package analytics keeps per-room usage counters up to date. Updates are
// best effort: failures are logged and counted, never returned to callers.
package analytics

import (
	"context"
	"time"

	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/rs/zerolog"
)

type Aggregator struct {
	repo    database.RoomRepository
	stats   stats.StatsProvider
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

func New(repo database.RoomRepository, sp stats.StatsProvider, log zerolog.Logger, timeout time.Duration) *Aggregator {
	sp.RegisterCounter(stats.AnalyticsFailures)

	return &Aggregator{
		repo:    repo,
		stats:   sp,
		log:     log.With().Str("component", "analytics").Logger(),
		timeout: timeout,
		now:     types.Now,
	}
}

// OnJoin records a join into a room that now holds liveCount participants.
func (a *Aggregator) OnJoin(ctx context.Context, roomId string, liveCount int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	now := a.now()
	if err := a.repo.RecordJoin(ctx, roomId, liveCount, now.Hour(), now); err != nil {
		a.fail(err, roomId, "join")
	}
}

func (a *Aggregator) OnMessage(ctx context.Context, roomId string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	if err := a.repo.RecordMessage(ctx, roomId, a.now()); err != nil {
		a.fail(err, roomId, "message")
	}
}

func (a *Aggregator) Get(ctx context.Context, roomId string) (types.Analytics, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	return a.repo.GetAnalytics(ctx, roomId)
}

func (a *Aggregator) fail(err error, roomId, trigger string) {
	a.stats.Incr(stats.AnalyticsFailures)
	a.log.Error().Err(err).Str("room_id", roomId).Str("trigger", trigger).Msg("analytics update failed")
}
