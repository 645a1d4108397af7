package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
)

// MemoryRoomRepository keeps everything in process. It backs single-worker
// deployments and tests. Events are published while the write lock is held so
// subscribers see them in commit order.
type MemoryRoomRepository struct {
	mu        sync.Mutex
	rooms     map[string]types.Room
	messages  map[string][]types.Message
	analytics map[string]types.Analytics
	bus       *events.MemoryBus
	now       func() time.Time
}

func NewMemoryRoomRepository(bus *events.MemoryBus) *MemoryRoomRepository {
	return &MemoryRoomRepository{
		rooms:     make(map[string]types.Room),
		messages:  make(map[string][]types.Message),
		analytics: make(map[string]types.Analytics),
		bus:       bus,
		now:       types.Now,
	}
}

func (m *MemoryRoomRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRoomRepository) GetRoom(ctx context.Context, id string) (types.Room, error) {
	if err := ctx.Err(); err != nil {
		return types.Room{}, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[id]
	if !ok {
		return types.Room{}, apperr.ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (m *MemoryRoomRepository) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	if err := ctx.Err(); err != nil {
		return types.Room{}, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.Id]; ok {
		return types.Room{}, apperr.ErrRoomExists
	}
	if len(room.Participants) > room.Capacity {
		return types.Room{}, apperr.Validation("participants exceed capacity")
	}

	room = room.Clone()
	if room.Participants == nil {
		room.Participants = []types.Participant{}
	}
	room.Version = 1
	room.SeqId = 0
	m.rooms[room.Id] = room
	m.analytics[room.Id] = types.Analytics{
		RoomId:    room.Id,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.CreatedAt,
	}

	return room.Clone(), nil
}

func (m *MemoryRoomRepository) UpdateRoom(ctx context.Context, room types.Room, evt *events.Event) (types.Room, error) {
	if err := ctx.Err(); err != nil {
		return types.Room{}, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rooms[room.Id]
	if !ok {
		return types.Room{}, apperr.ErrRoomNotFound
	}
	if current.Version != room.Version {
		return types.Room{}, apperr.ErrConflict
	}
	if len(room.Participants) > room.Capacity {
		return types.Room{}, apperr.Validation("participants exceed capacity")
	}

	room = room.Clone()
	room.CreatedAt = current.CreatedAt
	room.SeqId = current.SeqId
	room.Version = current.Version + 1
	m.rooms[room.Id] = room

	if evt != nil && m.bus != nil {
		m.bus.Publish(evt)
	}

	return room.Clone(), nil
}

func (m *MemoryRoomRepository) ListRoomsByParticipant(ctx context.Context, connId string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, room := range m.rooms {
		if room.HasParticipant(connId) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids, nil
}

func (m *MemoryRoomRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[msg.RoomId]
	if !ok {
		return types.Message{}, apperr.ErrRoomNotFound
	}

	room.SeqId++
	m.rooms[room.Id] = room
	msg.SeqId = room.SeqId
	msg.Timestamp = m.now()
	if prev := m.messages[msg.RoomId]; len(prev) > 0 && msg.Timestamp.Before(prev[len(prev)-1].Timestamp) {
		msg.Timestamp = prev[len(prev)-1].Timestamp
	}
	m.messages[msg.RoomId] = append(m.messages[msg.RoomId], msg)

	if m.bus != nil {
		m.bus.Publish(events.Message(msg))
	}

	return msg, nil
}

func (m *MemoryRoomRepository) GetMessage(ctx context.Context, roomId, id string) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[roomId] {
		if msg.Id == id {
			return msg, nil
		}
	}
	return types.Message{}, apperr.ErrMessageNotFound
}

func (m *MemoryRoomRepository) GetRecentMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[roomId]
	if limit >= 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]types.Message, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryRoomRepository) RecordJoin(ctx context.Context, roomId string, liveCount, hour int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient(err)
	}
	if hour < 0 || hour >= types.HoursPerDay {
		return apperr.Validation("hour %d out of range", hour)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.analytics[roomId]
	if !ok {
		return apperr.ErrRoomNotFound
	}

	a.TotalParticipants++
	a.PeakConcurrentUsers = max(a.PeakConcurrentUsers, liveCount)
	a.HourlyActivity[hour]++
	a.UpdatedAt = at
	m.analytics[roomId] = a

	return nil
}

func (m *MemoryRoomRepository) RecordMessage(ctx context.Context, roomId string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.analytics[roomId]
	if !ok {
		return apperr.ErrRoomNotFound
	}

	a.MessagesExchanged++
	a.UpdatedAt = at
	m.analytics[roomId] = a

	return nil
}

func (m *MemoryRoomRepository) GetAnalytics(ctx context.Context, roomId string) (types.Analytics, error) {
	if err := ctx.Err(); err != nil {
		return types.Analytics{}, apperr.Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.analytics[roomId]
	if !ok {
		return types.Analytics{}, apperr.ErrRoomNotFound
	}
	return a, nil
}

var _ RoomRepository = (*MemoryRoomRepository)(nil)
