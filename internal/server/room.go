package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/presence"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/rs/zerolog"
)

const (
	idleRoomTimeout = 5 * time.Second
	roomQueueSize   = 256
)

// unit is one inbound event's work for a room. A nil msg is a leave
// produced by a disconnect, which gets no reply.
type unit struct {
	roomId string
	client *Client
	msg    *ClientMessage
}

func (u *unit) disconnect() bool {
	return u.msg == nil
}

// Room serializes the work for one room inside this worker and fans the
// room's events out to the members connected here.
type Room struct {
	id      string
	cs      *ChatServer
	log     zerolog.Logger
	units   chan *unit
	events  chan *events.Event
	members map[string]*Client

	// pending and memberCount are read by the hub to decide whether the
	// room can be unloaded.
	pending     atomic.Int64
	memberCount atomic.Int64

	// killTimer asks the hub to unload the room once it has been idle
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(id string, cs *ChatServer) *Room {
	return &Room{
		id:      id,
		cs:      cs,
		log:     cs.log.With().Str("room_id", id).Logger(),
		units:   make(chan *unit, roomQueueSize),
		events:  make(chan *events.Event, roomQueueSize),
		members: make(map[string]*Client),
		exit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Room) start() {
	defer close(r.done)

	r.log.Debug().Msg("starting room")
	r.killTimer = time.NewTimer(idleRoomTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case u := <-r.units:
			r.handle(u)
		case evt := <-r.events:
			r.broadcast(evt)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.drain()
			r.log.Debug().Msg("room exited")
			return
		}
	}
}

// drain runs the units already queued so disconnect leaves are not lost on
// shutdown.
func (r *Room) drain() {
	for {
		select {
		case u := <-r.units:
			r.handle(u)
		default:
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	if len(r.members) > 0 {
		return
	}
	r.log.Debug().Msg("room idle, unloading")
	select {
	case r.cs.unloadRoomChan <- r.id:
	case <-r.exit:
	}
}

func (r *Room) handle(u *unit) {
	defer r.pending.Add(-1)

	switch {
	case u.disconnect():
		r.handleLeave(u)
	case u.msg.JoinRoom != nil:
		r.handleJoin(u)
	case u.msg.LeaveRoom != nil:
		r.handleLeave(u)
	case u.msg.SendMessage != nil:
		r.handleSend(u)
	case u.msg.UpdateRoomSettings != nil:
		r.handleSettings(u)
	}

	if len(r.members) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleJoin(u *unit) {
	r.killTimer.Stop()

	c := u.client
	history, err := r.cs.presence.Join(context.Background(), presence.JoinRequest{
		RoomId:       r.id,
		ConnectionId: c.id,
		Username:     u.msg.JoinRoom.Username,
		UserId:       c.userId,
	})
	if err != nil {
		r.log.Info().Err(err).Str("connection_id", c.id).Msg("join rejected")
		c.queueMessage(ErrorFor(u.msg.Id, r.id, err))
		return
	}

	r.addMember(c)
	c.queueMessage(RoomHistory(u.msg.Id, history))
}

func (r *Room) handleLeave(u *unit) {
	c := u.client
	if u.disconnect() {
		r.removeMember(c)
	}

	_, err := r.cs.presence.Leave(context.Background(), r.id, c.id)
	if err != nil {
		r.log.Error().Err(err).Str("connection_id", c.id).Bool("disconnect", u.disconnect()).Msg("leave failed")
		if !u.disconnect() {
			c.queueMessage(ErrorFor(u.msg.Id, r.id, err))
		}
		return
	}
	r.removeMember(c)
	c.forgetRoom(r.id)
}

func (r *Room) handleSend(u *unit) {
	c := u.client
	_, err := r.cs.messaging.Send(context.Background(), r.id, c.id, u.msg.SendMessage.Message)
	if err != nil {
		r.log.Debug().Err(err).Str("connection_id", c.id).Msg("send rejected")
		c.queueMessage(ErrorFor(u.msg.Id, r.id, err))
		return
	}
	r.cs.stats.Incr(stats.MessagesSent)
}

func (r *Room) handleSettings(u *unit) {
	c := u.client
	ctx := context.Background()

	room, err := r.cs.registry.Get(ctx, r.id)
	if err == nil && !room.HasParticipant(c.id) {
		err = apperr.ErrNotMember
	}
	if err == nil {
		_, _, err = r.cs.registry.ApplySettingsUpdate(ctx, r.id, u.msg.UpdateRoomSettings.Settings)
	}
	if err != nil {
		r.log.Debug().Err(err).Str("connection_id", c.id).Msg("settings update rejected")
		c.queueMessage(ErrorFor(u.msg.Id, r.id, err))
	}
}

func (r *Room) addMember(c *Client) {
	if _, ok := r.members[c.id]; !ok {
		r.memberCount.Add(1)
	}
	r.members[c.id] = c
}

func (r *Room) removeMember(c *Client) {
	if _, ok := r.members[c.id]; ok {
		delete(r.members, c.id)
		r.memberCount.Add(-1)
	}
}

func (r *Room) broadcast(evt *events.Event) {
	msg := FromEvent(evt)
	if msg == nil {
		r.log.Warn().Str("kind", string(evt.Kind)).Msg("dropping event without payload")
		return
	}

	for id, c := range r.members {
		if id == evt.Exclude {
			continue
		}
		c.queueMessage(msg)
	}
}

// deliver hands an event to the room without blocking the hub.
func (r *Room) deliver(evt *events.Event) {
	select {
	case r.events <- evt:
	default:
		r.cs.stats.Incr(stats.DroppedDeliveries)
		r.log.Warn().Str("kind", string(evt.Kind)).Msg("room event queue full, dropping event")
	}
}
