package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
)

// RoomRepository is the persistent store behind the room core. Implementations
// must make UpdateRoom a compare-and-swap on Room.Version and must publish the
// supplied event as part of the same commit.
type RoomRepository interface {
	Ping(ctx context.Context) error
	GetRoom(ctx context.Context, id string) (types.Room, error)
	// CreateRoom inserts the room together with its analytics record. It
	// returns apperr.ErrRoomExists when the id is taken.
	CreateRoom(ctx context.Context, room types.Room) (types.Room, error)
	// UpdateRoom writes room if the stored version still equals room.Version.
	// It returns apperr.ErrConflict when another writer got there first.
	UpdateRoom(ctx context.Context, room types.Room, evt *events.Event) (types.Room, error)
	ListRoomsByParticipant(ctx context.Context, connId string) ([]string, error)
	// CreateMessage assigns the next per-room sequence number and the commit
	// timestamp, persists msg and publishes it as a new_message event in the
	// same commit. Timestamps never decrease as seq grows.
	CreateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	GetMessage(ctx context.Context, roomId, id string) (types.Message, error)
	// GetRecentMessages returns up to limit of the newest messages, oldest first.
	GetRecentMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error)
	RecordJoin(ctx context.Context, roomId string, liveCount, hour int, at time.Time) error
	RecordMessage(ctx context.Context, roomId string, at time.Time) error
	GetAnalytics(ctx context.Context, roomId string) (types.Analytics, error)
}
