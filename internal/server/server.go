package server

import (
	"context"
	"sync"

	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/messaging"
	"github.com/npezzotti/go-huddle/internal/presence"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/rs/zerolog"
)

const (
	dispatchQueueSize = 1024
	eventQueueSize    = 1024
)

// ChatServer is the per-worker hub. It owns the rooms loaded in this worker,
// routes client work to them and fans store events out to their members.
type ChatServer struct {
	log       zerolog.Logger
	presence  *presence.Coordinator
	messaging *messaging.Pipeline
	registry  *registry.Registry
	stats     stats.StatsProvider

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	clientsWg   sync.WaitGroup
	closing     bool

	dispatchChan   chan *unit
	eventChan      chan *events.Event
	unloadRoomChan chan string
	rooms          map[string]*Room

	unsubscribe func()
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

func NewChatServer(
	logger zerolog.Logger,
	p *presence.Coordinator,
	m *messaging.Pipeline,
	reg *registry.Registry,
	bus events.Subscriber,
	sp stats.StatsProvider,
) *ChatServer {
	sp.RegisterMetric(stats.ActiveConnections)
	sp.RegisterMetric(stats.ActiveRooms)
	sp.RegisterCounter(stats.MessagesSent)
	sp.RegisterCounter(stats.DroppedDeliveries)

	cs := &ChatServer{
		log:            logger.With().Str("component", "chat_server").Logger(),
		presence:       p,
		messaging:      m,
		registry:       reg,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		dispatchChan:   make(chan *unit, dispatchQueueSize),
		eventChan:      make(chan *events.Event, eventQueueSize),
		unloadRoomChan: make(chan string),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	cs.unsubscribe = bus.Subscribe(cs.onEvent)

	return cs
}

// onEvent runs on the publisher's goroutine, so it must never block.
func (cs *ChatServer) onEvent(evt *events.Event) {
	select {
	case cs.eventChan <- evt:
	default:
		cs.stats.Incr(stats.DroppedDeliveries)
		cs.log.Warn().Str("room_id", evt.RoomId).Str("kind", string(evt.Kind)).Msg("event queue full, dropping event")
	}
}

func (cs *ChatServer) Run() {
	defer close(cs.done)
	defer cs.unsubscribe()

	cs.log.Info().Msg("chat server running")
	for {
		select {
		case u := <-cs.dispatchChan:
			cs.dispatch(u)
		case evt := <-cs.eventChan:
			if r, ok := cs.rooms[evt.RoomId]; ok {
				r.deliver(evt)
			}
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case <-cs.stop:
			cs.stopRooms()
			return
		}
	}
}

// Register tracks a connected client. It returns false once shutdown has
// started.
func (cs *ChatServer) Register(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.closing {
		return false
	}
	cs.clients[c] = struct{}{}
	cs.clientsWg.Add(1)

	cs.stats.Incr(stats.ActiveConnections)
	cs.log.Debug().Str("connection_id", c.id).Msg("client registered")
	return true
}

func (cs *ChatServer) deRegister(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.clientsWg.Done()

	cs.stats.Decr(stats.ActiveConnections)
	cs.log.Debug().Str("connection_id", c.id).Msg("client deregistered")
}

func (cs *ChatServer) dispatch(u *unit) {
	r, ok := cs.rooms[u.roomId]
	if !ok {
		r = newRoom(u.roomId, cs)
		cs.rooms[u.roomId] = r
		cs.stats.Incr(stats.ActiveRooms)
		go r.start()
	}

	r.pending.Add(1)
	select {
	case r.units <- u:
		return
	default:
	}

	if !u.disconnect() {
		r.pending.Add(-1)
		cs.log.Warn().Str("room_id", u.roomId).Msg("room queue full")
		u.client.queueMessage(ErrServiceUnavailable(u.msg.Id))
		return
	}

	// a disconnect leave must not be lost, and nothing from the same
	// connection can be queued behind it
	go func() {
		select {
		case r.units <- u:
		case <-r.exit:
			r.pending.Add(-1)
		}
	}()
}

// enqueue queues work for a room. It returns false if the server is
// stopping.
func (cs *ChatServer) enqueue(u *unit) bool {
	select {
	case cs.dispatchChan <- u:
		return true
	case <-cs.stop:
		return false
	}
}

func (cs *ChatServer) unloadRoom(id string) {
	r, ok := cs.rooms[id]
	if !ok {
		return
	}
	if r.pending.Load() > 0 || r.memberCount.Load() > 0 {
		return
	}

	delete(cs.rooms, id)
	close(r.exit)
	cs.stats.Decr(stats.ActiveRooms)
	cs.log.Debug().Str("room_id", id).Msg("room unloaded")
}

func (cs *ChatServer) stopRooms() {
	// route work that was queued before the stop
	for len(cs.dispatchChan) > 0 {
		cs.dispatch(<-cs.dispatchChan)
	}

	for id, r := range cs.rooms {
		close(r.exit)
		<-r.done
		delete(cs.rooms, id)
		cs.stats.Decr(stats.ActiveRooms)
	}
	cs.log.Info().Msg("all rooms stopped")
}

// Shutdown closes every client connection, waits for their leaves to be
// queued and then stops the rooms, which finish the work already queued.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	cs.closing = true
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	drained := make(chan struct{})
	go func() {
		cs.clientsWg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		cs.log.Warn().Err(err).Msg("clients did not disconnect in time")
	}

	cs.stopOnce.Do(func() { close(cs.stop) })

	select {
	case <-cs.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cs.presence.Close()
	return err
}
