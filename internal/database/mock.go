package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRoomRepository) GetRoom(ctx context.Context, id string) (types.Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomRepository) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	args := m.Called(ctx, room)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomRepository) UpdateRoom(ctx context.Context, room types.Room, evt *events.Event) (types.Room, error) {
	args := m.Called(ctx, room, evt)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomRepository) ListRoomsByParticipant(ctx context.Context, connId string) ([]string, error) {
	args := m.Called(ctx, connId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRoomRepository) GetMessage(ctx context.Context, roomId, id string) (types.Message, error) {
	args := m.Called(ctx, roomId, id)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRoomRepository) GetRecentMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomRepository) RecordJoin(ctx context.Context, roomId string, liveCount, hour int, at time.Time) error {
	args := m.Called(ctx, roomId, liveCount, hour, at)
	return args.Error(0)
}
func (m *MockRoomRepository) RecordMessage(ctx context.Context, roomId string, at time.Time) error {
	args := m.Called(ctx, roomId, at)
	return args.Error(0)
}
func (m *MockRoomRepository) GetAnalytics(ctx context.Context, roomId string) (types.Analytics, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Analytics), args.Error(1)
}

var _ RoomRepository = (*MockRoomRepository)(nil)
