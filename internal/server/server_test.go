package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-huddle/internal/analytics"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/messaging"
	"github.com/npezzotti/go-huddle/internal/presence"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	cs       *ChatServer
	repo     *database.MemoryRoomRepository
	registry *registry.Registry
	srv      *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	log := testutil.TestLogger(t)
	bus := events.NewMemoryBus()
	repo := database.NewMemoryRoomRepository(bus)
	sp := stats.NewStatsUpdater(http.NewServeMux())

	reg := registry.New(repo, log, registry.Options{Retries: 50, StoreTimeout: time.Second})
	agg := analytics.New(repo, sp, log, time.Second)
	p := presence.New(reg, repo, agg, log, presence.Options{EmptyRoomGrace: time.Hour, StoreTimeout: time.Second})
	m := messaging.New(repo, agg, log, messaging.Options{StoreTimeout: time.Second})

	cs := NewChatServer(log, p, m, reg, bus, sp)
	go cs.Run()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, cs, log, 0)
		if !cs.Register(c) {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		srv.Close()
	})

	return &testStack{cs: cs, repo: repo, registry: reg, srv: srv}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testStack) dial(t *testing.T) *testConn {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(raw string) {
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// next returns the first frame matching ok, skipping the others.
func (c *testConn) next(ok func(*ServerMessage) bool) *ServerMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "expected a matching frame before the deadline")

		var msg ServerMessage
		require.NoError(c.t, json.Unmarshal(raw, &msg))
		if ok(&msg) {
			return &msg
		}
	}
}

func (c *testConn) join(roomId, username string) *ServerMessage {
	c.send(`{"join_room":{"roomId":"` + roomId + `","username":"` + username + `"}}`)
	return c.next(func(m *ServerMessage) bool {
		return m.RoomHistory != nil || m.RoomFull != nil || m.RoomExpired != nil || m.Error != nil
	})
}

func TestJoinSendLeave(t *testing.T) {
	s := newTestStack(t)
	alice, bob := s.dial(t), s.dial(t)

	res := alice.join("r1", "alice")
	require.NotNil(t, res.RoomHistory)
	assert.Len(t, res.RoomHistory.Participants, 1)
	assert.Empty(t, res.RoomHistory.Messages)

	res = bob.join("r1", "bob")
	require.NotNil(t, res.RoomHistory)
	assert.Len(t, res.RoomHistory.Participants, 2)

	joined := alice.next(func(m *ServerMessage) bool { return m.ParticipantJoined != nil })
	assert.Equal(t, "bob", joined.ParticipantJoined.Username)
	assert.Equal(t, 2, joined.ParticipantJoined.ParticipantCount)

	alice.send(`{"send_message":{"roomId":"r1","message":"  hello  "}}`)
	for _, c := range []*testConn{alice, bob} {
		msg := c.next(func(m *ServerMessage) bool { return m.NewMessage != nil })
		assert.Equal(t, "hello", msg.NewMessage.Content)
		assert.Equal(t, "alice", msg.NewMessage.Sender)
		assert.Equal(t, int64(1), msg.NewMessage.SeqId)
		assert.NotEmpty(t, msg.NewMessage.Id)
	}

	bob.send(`{"leave_room":{"roomId":"r1"}}`)
	left := alice.next(func(m *ServerMessage) bool { return m.ParticipantLeft != nil })
	assert.Equal(t, "bob", left.ParticipantLeft.Username)
	assert.Equal(t, 1, left.ParticipantLeft.ParticipantCount)

	// bob is no longer a member, so his send is rejected
	bob.send(`{"send_message":{"roomId":"r1","message":"still here?"}}`)
	res = bob.next(func(m *ServerMessage) bool { return m.Error != nil })
	assert.Equal(t, "not_member", res.Error.Code)
}

func TestPaddedRoomIdRoutesToSameRoom(t *testing.T) {
	s := newTestStack(t)
	alice, bob := s.dial(t), s.dial(t)

	require.NotNil(t, alice.join(" lobby ", "alice").RoomHistory)
	require.NotNil(t, bob.join("lobby", "bob").RoomHistory)

	alice.send(`{"send_message":{"roomId":" lobby ","message":"hi"}}`)
	msg := bob.next(func(m *ServerMessage) bool { return m.NewMessage != nil })
	assert.Equal(t, "lobby", msg.NewMessage.RoomId)

	alice.send(`{"leave_room":{"roomId":" lobby "}}`)
	left := bob.next(func(m *ServerMessage) bool { return m.ParticipantLeft != nil })
	assert.Equal(t, "alice", left.ParticipantLeft.Username)
	assert.Equal(t, 1, left.ParticipantLeft.ParticipantCount)

	room, err := s.registry.Get(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 1, "expected the padded leave to free alice's slot")
}

func TestJoinerDoesNotSeeOwnJoin(t *testing.T) {
	s := newTestStack(t)
	alice := s.dial(t)

	require.NotNil(t, alice.join("r1", "alice").RoomHistory)
	alice.send(`{"send_message":{"roomId":"r1","message":"first"}}`)

	// the first frame after the history must be the message, not a join
	alice.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := alice.conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Nil(t, msg.ParticipantJoined, "expected the joiner to be excluded from its own join event")
	assert.NotNil(t, msg.NewMessage)
}

func TestRoomFull(t *testing.T) {
	s := newTestStack(t)
	_, err := s.registry.GetOrCreate(context.Background(), "solo", registry.Defaults{Capacity: 1})
	require.NoError(t, err)

	alice, bob := s.dial(t), s.dial(t)
	require.NotNil(t, alice.join("solo", "alice").RoomHistory)

	res := bob.join("solo", "bob")
	require.NotNil(t, res.RoomFull, "expected room_full for the second joiner")
	assert.Equal(t, "solo", res.RoomFull.RoomId)

	room, err := s.registry.Get(context.Background(), "solo")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 1)
}

func TestInvalidFrames(t *testing.T) {
	s := newTestStack(t)
	c := s.dial(t)

	tcases := []struct {
		name string
		raw  string
		code string
	}{
		{name: "garbage", raw: `garbage`, code: "validation"},
		{name: "two variants", raw: `{"join_room":{"roomId":"a","username":"x"},"leave_room":{"roomId":"a"}}`, code: "validation"},
		{name: "unknown room", raw: `{"send_message":{"roomId":"nowhere","message":"hi"}}`, code: "not_found"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c.send(tc.raw)
			res := c.next(func(m *ServerMessage) bool { return m.Error != nil })
			assert.Equal(t, tc.code, res.Error.Code)
		})
	}
}

func TestMessageTooLong(t *testing.T) {
	s := newTestStack(t)
	c := s.dial(t)
	require.NotNil(t, c.join("r1", "alice").RoomHistory)

	c.send(`{"send_message":{"roomId":"r1","message":"` + strings.Repeat("x", 2001) + `"}}`)
	res := c.next(func(m *ServerMessage) bool { return m.Error != nil })
	assert.Equal(t, "validation", res.Error.Code)

	msgs, err := s.repo.GetRecentMessages(context.Background(), "r1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "expected nothing persisted for a rejected message")
}

func TestSettingsRequireMembership(t *testing.T) {
	s := newTestStack(t)
	alice, bob := s.dial(t), s.dial(t)
	require.NotNil(t, alice.join("r1", "alice").RoomHistory)

	bob.send(`{"update_room_settings":{"roomId":"r1","settings":{"name":"taken over"}}}`)
	res := bob.next(func(m *ServerMessage) bool { return m.Error != nil })
	assert.Equal(t, "not_member", res.Error.Code)

	alice.send(`{"update_room_settings":{"roomId":"r1","settings":{"name":"standup","capacity":4}}}`)
	res = alice.next(func(m *ServerMessage) bool { return m.RoomSettingsUpdated != nil })
	assert.Equal(t, "standup", res.RoomSettingsUpdated.Settings["name"])

	alice.send(`{"update_room_settings":{"roomId":"r1","settings":{"participants":[]}}}`)
	res = alice.next(func(m *ServerMessage) bool { return m.Error != nil })
	assert.Equal(t, "validation", res.Error.Code)

	room, err := s.registry.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "standup", room.Name)
	assert.Equal(t, 4, room.Capacity)
	assert.Len(t, room.Participants, 1)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	s := newTestStack(t)
	alice, bob := s.dial(t), s.dial(t)

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NotNil(t, alice.join(id, "alice").RoomHistory)
	}
	require.NotNil(t, bob.join("r1", "bob").RoomHistory)

	alice.conn.Close()

	left := bob.next(func(m *ServerMessage) bool { return m.ParticipantLeft != nil })
	assert.Equal(t, "alice", left.ParticipantLeft.Username)
	assert.Equal(t, 1, left.ParticipantLeft.ParticipantCount)

	assert.Eventually(t, func() bool {
		for _, id := range []string{"r2", "r3"} {
			room, err := s.registry.Get(context.Background(), id)
			if err != nil || len(room.Participants) != 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "expected the disconnect to leave every room")
}

func TestShutdownLeavesRooms(t *testing.T) {
	s := newTestStack(t)
	alice := s.dial(t)
	require.NotNil(t, alice.join("r1", "alice").RoomHistory)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.cs.Shutdown(ctx))

	room, err := s.registry.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, room.Participants, "expected connected participants to be removed on shutdown")

	alice.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = alice.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected a going away close, got %v", err)
}
