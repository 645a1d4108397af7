package database

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/rs/zerolog"
)

// PgEventBus receives room events committed by any worker through
// LISTEN/NOTIFY and fans them out to local subscribers.
type PgEventBus struct {
	listener *pq.Listener
	repo     RoomRepository
	local    *events.MemoryBus
	log      zerolog.Logger
}

func NewPgEventBus(dsn string, repo RoomRepository, log zerolog.Logger) (*PgEventBus, error) {
	b := &PgEventBus{
		repo:  repo,
		local: events.NewMemoryBus(),
		log:   log,
	}

	b.listener = pq.NewListener(dsn, 10*time.Millisecond, time.Minute, b.reportEvent)
	if err := b.listener.Listen(notifyChannel); err != nil {
		b.listener.Close()
		return nil, err
	}

	return b, nil
}

func (b *PgEventBus) Subscribe(h events.Handler) func() {
	return b.local.Subscribe(h)
}

// Run dispatches notifications until ctx is cancelled or the listener closes.
func (b *PgEventBus) Run(ctx context.Context) {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// nil follows a reconnect
			if n == nil {
				b.log.Warn().Msg("event listener reconnected, notifications may have been missed")
				continue
			}
			b.dispatch(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.log.Warn().Err(err).Msg("event listener ping failed")
				}
			}()
		}
	}
}

func (b *PgEventBus) dispatch(ctx context.Context, payload string) {
	evt, err := events.Decode([]byte(payload))
	if err != nil {
		b.log.Error().Err(err).Msg("decode room event")
		return
	}

	if evt.MessageRef != "" {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		msg, err := b.repo.GetMessage(ctx, evt.RoomId, evt.MessageRef)
		if err != nil {
			b.log.Error().Err(err).Str("room_id", evt.RoomId).Str("message_id", evt.MessageRef).Msg("resolve message reference")
			return
		}
		evt.Message = &msg
		evt.MessageRef = ""
	}

	b.local.Publish(evt)
}

func (b *PgEventBus) reportEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		b.log.Debug().Str("channel", notifyChannel).Msg("event listener connected")
	case pq.ListenerEventDisconnected:
		b.log.Warn().Err(err).Msg("event listener disconnected")
	case pq.ListenerEventReconnected:
		b.log.Info().Msg("event listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		b.log.Error().Err(err).Msg("event listener connection attempt failed")
	}
}

func (b *PgEventBus) Close() error {
	return b.listener.Close()
}
