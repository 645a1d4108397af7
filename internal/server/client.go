package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

type Client struct {
	id         string
	userId     int
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	send       chan *ServerMessage
	rooms      map[string]struct{}
	roomsLock  sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewClient wraps an upgraded connection. userId is zero for anonymous
// connections.
func NewClient(conn *websocket.Conn, cs *ChatServer, l zerolog.Logger, userId int) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		userId:     userId,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("connection_id", id).Logger(),
		send:       make(chan *ServerMessage, sendBufferSize),
		rooms:      make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			return
		}

		msg, err := DecodeClientMessage(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("invalid message")
			c.queueMessage(ErrInvalidMessage(err))
			continue
		}

		roomId := msg.RoomId()
		if msg.JoinRoom != nil {
			c.rememberRoom(roomId)
		}
		if !c.chatServer.enqueue(&unit{roomId: roomId, client: c, msg: msg}) {
			return
		}
	}
}

// queueMessage never blocks. A client that is not keeping up loses the
// message.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.chatServer.stats.Incr(stats.DroppedDeliveries)
		c.log.Warn().Msg("send buffer full, dropping message")
		return false
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup queues a leave for every room the connection may be in. Each
// leave runs after the work this connection already queued for that room.
func (c *Client) cleanup() {
	defer c.chatServer.deRegister(c)
	defer c.stopClient()

	rooms, err := c.chatServer.presence.RoomsFor(context.Background(), c.id, c.knownRooms()...)
	if err != nil {
		c.log.Warn().Err(err).Msg("room lookup failed on disconnect, leaving known rooms")
	}

	for _, roomId := range rooms {
		if !c.chatServer.enqueue(&unit{roomId: roomId, client: c}) {
			c.log.Warn().Str("room_id", roomId).Msg("server stopping, leave not queued")
		}
	}
}

func (c *Client) rememberRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[id] = struct{}{}
}

func (c *Client) forgetRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, id)
}

func (c *Client) knownRooms() []string {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
