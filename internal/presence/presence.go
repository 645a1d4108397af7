// Package presence tracks who is in which room. Every join and leave is a
// conditional room update that publishes its presence event in the same
// commit, so all workers observe membership changes in one order.
package presence

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/rs/zerolog"
)

const (
	MaxUsernameLength = 50

	defaultHistorySize = 50
	defaultGrace       = 60 * time.Second
	defaultTimeout     = 5 * time.Second
)

// State is a connection's local membership in one room. It moves
// Joining -> Joined -> Leaving -> Left. Left is the zero value and is not
// stored, so a connection that never joined and one that has left both
// report Left.
type State int

const (
	Left State = iota
	Joining
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return "left"
	}
}

// Store is the read side presence needs beyond the registry.
type Store interface {
	GetRecentMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error)
	ListRoomsByParticipant(ctx context.Context, connId string) ([]string, error)
}

type JoinRecorder interface {
	OnJoin(ctx context.Context, roomId string, liveCount int)
}

type JoinRequest struct {
	RoomId       string
	ConnectionId string
	Username     string
	UserId       int
}

type Options struct {
	HistorySize    int
	EmptyRoomGrace time.Duration
	StoreTimeout   time.Duration
}

type key struct {
	roomId string
	connId string
}

type Coordinator struct {
	registry  *registry.Registry
	store     Store
	analytics JoinRecorder
	log       zerolog.Logger
	opts      Options
	now       func() time.Time

	mu     sync.Mutex
	states map[key]State
	timers map[string]*time.Timer
	closed bool
}

func New(reg *registry.Registry, store Store, analytics JoinRecorder, log zerolog.Logger, opts Options) *Coordinator {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.EmptyRoomGrace <= 0 {
		opts.EmptyRoomGrace = defaultGrace
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultTimeout
	}

	return &Coordinator{
		registry:  reg,
		store:     store,
		analytics: analytics,
		log:       log.With().Str("component", "presence").Logger(),
		opts:      opts,
		now:       types.Now,
		states:    make(map[key]State),
		timers:    make(map[string]*time.Timer),
	}
}

// Join admits the connection to the room, creating the room on first use.
// A connection already present in the room is replaced in place.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (types.RoomHistory, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return types.RoomHistory{}, apperr.Validation("username is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return types.RoomHistory{}, apperr.Validation("username cannot be more than %d characters", MaxUsernameLength)
	}
	if req.ConnectionId == "" {
		return types.RoomHistory{}, apperr.Validation("connection id is required")
	}

	room, err := c.registry.GetOrCreate(ctx, req.RoomId, registry.Defaults{})
	if err != nil {
		return types.RoomHistory{}, err
	}
	if !room.HasParticipant(req.ConnectionId) {
		if err := registry.CheckAdmission(room, c.now()); err != nil {
			return types.RoomHistory{}, err
		}
	}

	k := key{req.RoomId, req.ConnectionId}
	prev := c.transition(k, Joining)

	room, _, err = c.registry.Update(ctx, req.RoomId, func(room *types.Room) (*events.Event, error) {
		now := c.now()
		p := types.Participant{
			ConnectionId: req.ConnectionId,
			UserId:       req.UserId,
			Username:     username,
			JoinedAt:     now,
			IsOnline:     true,
		}

		if i := room.IndexOf(req.ConnectionId); i >= 0 {
			if room.Expired(now) {
				return nil, apperr.ErrRoomExpired
			}
			room.Participants[i] = p
		} else {
			if err := registry.CheckAdmission(*room, now); err != nil {
				return nil, err
			}
			room.Participants = append(room.Participants, p)
		}

		return events.Joined(room.Id, req.ConnectionId, types.PresenceChange{
			Id:               req.ConnectionId,
			RoomId:           room.Id,
			Username:         username,
			ParticipantCount: len(room.Participants),
		}), nil
	})
	if err != nil {
		c.restore(k, prev)
		return types.RoomHistory{}, err
	}

	c.transition(k, Joined)
	c.cancelGrace(req.RoomId)

	c.log.Info().
		Str("room_id", req.RoomId).
		Str("connection_id", req.ConnectionId).
		Int("participants", len(room.Participants)).
		Msg("participant joined")

	c.analytics.OnJoin(ctx, req.RoomId, len(room.Participants))

	return types.RoomHistory{
		RoomId:       req.RoomId,
		Messages:     c.history(ctx, req.RoomId),
		Participants: room.Participants,
	}, nil
}

func (c *Coordinator) history(ctx context.Context, roomId string) []types.Message {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	msgs, err := c.store.GetRecentMessages(ctx, roomId, c.opts.HistorySize)
	if err != nil {
		c.log.Warn().Err(err).Str("room_id", roomId).Msg("failed to load history for joiner")
		return []types.Message{}
	}
	return msgs
}

// Leave removes the connection from the room. It reports whether a
// participant was removed; leaving a room twice is a no-op.
func (c *Coordinator) Leave(ctx context.Context, roomId, connId string) (bool, error) {
	k := key{roomId, connId}
	prev := c.transition(k, Leaving)

	room, committed, err := c.registry.Update(ctx, roomId, func(room *types.Room) (*events.Event, error) {
		i := room.IndexOf(connId)
		if i < 0 {
			return nil, registry.ErrSkip
		}

		username := room.Participants[i].Username
		room.Participants = slices.Delete(room.Participants, i, i+1)

		return events.Left(room.Id, types.PresenceChange{
			Id:               connId,
			RoomId:           room.Id,
			Username:         username,
			ParticipantCount: len(room.Participants),
		}), nil
	})
	if errors.Is(err, apperr.ErrRoomNotFound) {
		c.forget(k)
		return false, nil
	}
	if err != nil {
		c.restore(k, prev)
		return false, err
	}

	c.forget(k)

	if !committed {
		return false, nil
	}

	c.log.Info().
		Str("room_id", roomId).
		Str("connection_id", connId).
		Int("participants", len(room.Participants)).
		Msg("participant left")

	if len(room.Participants) == 0 {
		c.scheduleGrace(roomId)
	}

	return true, nil
}

// RoomsFor returns every room the connection may be in: those the store lists
// for it, those this worker is tracking and any extra ids in known. Local
// rooms are returned even when the store lookup fails.
func (c *Coordinator) RoomsFor(ctx context.Context, connId string, known ...string) ([]string, error) {
	set := make(map[string]struct{})
	for _, id := range known {
		set[id] = struct{}{}
	}

	c.mu.Lock()
	for k := range c.states {
		if k.connId == connId {
			set[k.roomId] = struct{}{}
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	stored, err := c.store.ListRoomsByParticipant(ctx, connId)
	for _, id := range stored {
		set[id] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, apperr.Classify(err)
}

// Disconnect leaves every room the connection is in and returns the number of
// leave events produced.
func (c *Coordinator) Disconnect(ctx context.Context, connId string, known ...string) (int, error) {
	rooms, err := c.RoomsFor(ctx, connId, known...)
	if err != nil {
		c.log.Warn().Err(err).Str("connection_id", connId).Msg("room lookup failed, leaving locally known rooms")
	}

	var (
		left int
		errs []error
	)
	for _, roomId := range rooms {
		ok, err := c.Leave(ctx, roomId, connId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			left++
		}
	}

	return left, errors.Join(errs...)
}

// State reports the local state of the connection in the room.
func (c *Coordinator) State(roomId, connId string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[key{roomId, connId}]
}

func (c *Coordinator) transition(k key, s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.states[k]
	c.states[k] = s
	return prev
}

func (c *Coordinator) restore(k key, prev State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev == Left {
		delete(c.states, k)
		return
	}
	c.states[k] = prev
}

func (c *Coordinator) forget(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, k)
}

func (c *Coordinator) scheduleGrace(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if t, ok := c.timers[roomId]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.opts.EmptyRoomGrace, func() {
		c.mu.Lock()
		if c.timers[roomId] != timer {
			c.mu.Unlock()
			return
		}
		delete(c.timers, roomId)
		c.mu.Unlock()

		c.expireIfEmpty(roomId)
	})
	c.timers[roomId] = timer
}

func (c *Coordinator) cancelGrace(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[roomId]; ok {
		t.Stop()
		delete(c.timers, roomId)
	}
}

func (c *Coordinator) expireIfEmpty(roomId string) {
	_, expired, err := c.registry.Update(context.Background(), roomId, func(room *types.Room) (*events.Event, error) {
		if len(room.Participants) > 0 || room.ExpiresAt != nil {
			return nil, registry.ErrSkip
		}
		now := c.now()
		room.ExpiresAt = &now
		return nil, nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("room_id", roomId).Msg("failed to expire empty room")
		return
	}
	if expired {
		c.log.Info().Str("room_id", roomId).Msg("empty room expired")
	}
}

// Close cancels pending expiry checks.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
