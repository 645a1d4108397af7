// Package messaging validates, persists and broadcasts chat messages. The
// store publishes each message in the commit that assigns its sequence
// number, so every member receives a room's messages in seq order.
package messaging

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxLength   = 2000
	DefaultHistorySize = 50
)

type Store interface {
	GetRoom(ctx context.Context, id string) (types.Room, error)
	CreateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	GetRecentMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error)
}

type MessageRecorder interface {
	OnMessage(ctx context.Context, roomId string)
}

type Options struct {
	MaxLength    int
	HistorySize  int
	StoreTimeout time.Duration
}

type Pipeline struct {
	store     Store
	analytics MessageRecorder
	log       zerolog.Logger
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(store Store, analytics MessageRecorder, log zerolog.Logger, opts Options) *Pipeline {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}

	return &Pipeline{
		store:     store,
		analytics: analytics,
		log:       log.With().Str("component", "messaging").Logger(),
		opts:      opts,
		now:       types.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Send stores content from connId in the room and returns the persisted
// message. The sender must currently be a participant.
func (p *Pipeline) Send(ctx context.Context, roomId, connId, content string) (types.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()

	room, err := p.store.GetRoom(ctx, roomId)
	if err != nil {
		return types.Message{}, apperr.Classify(err)
	}

	i := room.IndexOf(connId)
	if i < 0 {
		return types.Message{}, apperr.ErrNotMember
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, apperr.Validation("message cannot be empty")
	}
	if utf8.RuneCountInString(content) > p.opts.MaxLength {
		return types.Message{}, apperr.Validation("message cannot be more than %d characters", p.opts.MaxLength)
	}

	now := p.now()
	msg := types.Message{
		Id:        p.newId(now),
		RoomId:    roomId,
		Sender:    room.Participants[i].Username,
		SenderId:  connId,
		Content:   content,
		Timestamp: now,
	}

	// the store restamps Timestamp at commit so it never runs behind seq
	msg, err = p.store.CreateMessage(ctx, msg)
	if err != nil {
		p.log.Error().Err(err).Str("room_id", roomId).Str("connection_id", connId).Msg("failed to persist message")
		return types.Message{}, apperr.Classify(err)
	}

	p.log.Debug().Str("room_id", roomId).Int64("seq", msg.SeqId).Msg("message persisted")
	p.analytics.OnMessage(ctx, roomId)

	return msg, nil
}

// History returns up to limit of the newest messages, oldest first. A
// non-positive limit uses the configured page size.
func (p *Pipeline) History(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = p.opts.HistorySize
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()

	msgs, err := p.store.GetRecentMessages(ctx, roomId, limit)
	return msgs, apperr.Classify(err)
}

func (p *Pipeline) newId(now time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), p.entropy).String()
}
