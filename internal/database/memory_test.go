package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(id string) types.Room {
	return types.Room{
		Id:        id,
		Name:      "Room " + id,
		Capacity:  10,
		Type:      types.RoomTypeChat,
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCreateRoom(t *testing.T) {
	repo := NewMemoryRoomRepository(events.NewMemoryBus())
	ctx := context.Background()

	room, err := repo.CreateRoom(ctx, newTestRoom("abc"))
	require.NoError(t, err)
	assert.Equal(t, 1, room.Version, "expected new room at version 1")
	assert.NotNil(t, room.Participants, "expected empty participant list")

	_, err = repo.CreateRoom(ctx, newTestRoom("abc"))
	assert.ErrorIs(t, err, apperr.ErrRoomExists)

	a, err := repo.GetAnalytics(ctx, "abc")
	require.NoError(t, err, "expected analytics created with the room")
	assert.Equal(t, "abc", a.RoomId)
	assert.Zero(t, a.TotalParticipants)
}

func TestMemoryUpdateRoomConflict(t *testing.T) {
	bus := events.NewMemoryBus()
	repo := NewMemoryRoomRepository(bus)
	ctx := context.Background()

	var published []*events.Event
	bus.Subscribe(func(e *events.Event) { published = append(published, e) })

	room, err := repo.CreateRoom(ctx, newTestRoom("abc"))
	require.NoError(t, err)

	stale := room.Clone()

	room.Name = "first"
	updated, err := repo.UpdateRoom(ctx, room, events.Settings("abc", map[string]any{"name": "first"}))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	stale.Name = "second"
	_, err = repo.UpdateRoom(ctx, stale, events.Settings("abc", map[string]any{"name": "second"}))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.IsTransient(err), "expected conflict to be retryable")

	require.Len(t, published, 1, "expected only the committed write to publish")
	assert.Equal(t, "first", published[0].Settings.Settings["name"])

	got, err := repo.GetRoom(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestMemoryUpdateRoomRejectsOverCapacity(t *testing.T) {
	repo := NewMemoryRoomRepository(nil)
	ctx := context.Background()

	r := newTestRoom("abc")
	r.Capacity = 1
	room, err := repo.CreateRoom(ctx, r)
	require.NoError(t, err)

	room.Participants = []types.Participant{{ConnectionId: "c1"}, {ConnectionId: "c2"}}
	_, err = repo.UpdateRoom(ctx, room, nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMemoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRoomRepository(nil)
	ctx := context.Background()

	_, err := repo.CreateRoom(ctx, newTestRoom("abc"))
	require.NoError(t, err)

	room, err := repo.GetRoom(ctx, "abc")
	require.NoError(t, err)
	room.Participants = append(room.Participants, types.Participant{ConnectionId: "c1"})

	again, err := repo.GetRoom(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(t, again.Participants, "expected store copy to be unaffected by caller mutation")
}

func TestMemoryListRoomsByParticipant(t *testing.T) {
	repo := NewMemoryRoomRepository(nil)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		room, err := repo.CreateRoom(ctx, newTestRoom(id))
		require.NoError(t, err)
		if id != "c" {
			room.Participants = []types.Participant{{ConnectionId: "conn-1"}}
			_, err = repo.UpdateRoom(ctx, room, nil)
			require.NoError(t, err)
		}
	}

	ids, err := repo.ListRoomsByParticipant(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestMemoryMessages(t *testing.T) {
	bus := events.NewMemoryBus()
	repo := NewMemoryRoomRepository(bus)
	ctx := context.Background()

	var seqs []int64
	bus.Subscribe(func(e *events.Event) {
		if e.Kind == events.NewMessage {
			seqs = append(seqs, e.Message.SeqId)
		}
	})

	_, err := repo.CreateRoom(ctx, newTestRoom("abc"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := repo.CreateMessage(ctx, types.Message{
			Id:      fmt.Sprintf("m%d", i),
			RoomId:  "abc",
			Content: fmt.Sprintf("hello %d", i),
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs, "expected events in sequence order")

	recent, err := repo.GetRecentMessages(ctx, "abc", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Id, "expected oldest of the newest three first")
	assert.Equal(t, "m4", recent[2].Id)

	msg, err := repo.GetMessage(ctx, "abc", "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.SeqId)

	_, err = repo.GetMessage(ctx, "abc", "missing")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)

	_, err = repo.CreateMessage(ctx, types.Message{Id: "x", RoomId: "nope", Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)
}

func TestMemoryMessageTimestampsFollowSeq(t *testing.T) {
	repo := NewMemoryRoomRepository(nil)
	ctx := context.Background()

	_, err := repo.CreateRoom(ctx, newTestRoom("abc"))
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// the clock steps backwards between commits
	clock := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	repo.now = func() time.Time {
		now := clock[0]
		clock = clock[1:]
		return now
	}

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		msg, err := repo.CreateMessage(ctx, types.Message{
			Id:        fmt.Sprintf("m%d", i),
			RoomId:    "abc",
			Content:   "hi",
			Timestamp: base.Add(-time.Hour),
		})
		require.NoError(t, err)
		stamps = append(stamps, msg.Timestamp)
	}

	assert.Equal(t, []time.Time{base, base, base.Add(time.Second)}, stamps, "expected commit timestamps that never decrease with seq")
}

func TestMemoryAnalytics(t *testing.T) {
	repo := NewMemoryRoomRepository(nil)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC)

	_, err := repo.CreateRoom(ctx, newTestRoom("abc"))
	require.NoError(t, err)

	require.NoError(t, repo.RecordJoin(ctx, "abc", 3, 13, now))
	require.NoError(t, repo.RecordJoin(ctx, "abc", 1, 13, now))
	require.NoError(t, repo.RecordMessage(ctx, "abc", now))

	a, err := repo.GetAnalytics(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.TotalParticipants)
	assert.Equal(t, 3, a.PeakConcurrentUsers, "expected peak never to decrease")
	assert.Equal(t, int64(1), a.MessagesExchanged)
	assert.Equal(t, int64(2), a.HourlyActivity[13])
	assert.True(t, now.Equal(a.UpdatedAt))

	assert.ErrorIs(t, repo.RecordJoin(ctx, "nope", 1, 0, now), apperr.ErrRoomNotFound)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(repo.RecordJoin(ctx, "abc", 1, 24, now)))
}

func TestMemoryCancelledContext(t *testing.T) {
	repo := NewMemoryRoomRepository(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.GetRoom(ctx, "abc")
	assert.True(t, apperr.IsTransient(err), "expected cancelled context to be transient")
}
