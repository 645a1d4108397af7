package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-huddle/internal/types"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying room events.
const notifyChannel = "room_events"

// maxNotifyPayload keeps payloads under PostgreSQL's 8000 byte NOTIFY limit.
const maxNotifyPayload = 7900

type rowScanner interface {
	Scan(dest ...any) error
}

const roomColumns = "id, name, capacity, type, is_locked, created_at, expires_at, participants, version, seq_id"

func scanRoom(row rowScanner) (types.Room, error) {
	var (
		room         types.Room
		expiresAt    sql.NullTime
		participants []byte
	)

	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.Capacity,
		&room.Type,
		&room.IsLocked,
		&room.CreatedAt,
		&expiresAt,
		&participants,
		&room.Version,
		&room.SeqId,
	)
	if err != nil {
		return types.Room{}, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		room.ExpiresAt = &t
	}
	room.CreatedAt = room.CreatedAt.UTC()

	if err := json.Unmarshal(participants, &room.Participants); err != nil {
		return types.Room{}, fmt.Errorf("decode participants: %w", err)
	}

	return room, nil
}

const messageColumns = "id, room_id, seq_id, sender, sender_id, content, is_system, created_at"

func scanMessage(row rowScanner) (types.Message, error) {
	var msg types.Message
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SeqId,
		&msg.Sender,
		&msg.SenderId,
		&msg.Content,
		&msg.IsSystem,
		&msg.Timestamp,
	)
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, err
}

func scanAnalytics(row rowScanner) (types.Analytics, error) {
	var (
		a      types.Analytics
		hourly []int64
	)

	err := row.Scan(
		&a.RoomId,
		&a.TotalParticipants,
		&a.PeakConcurrentUsers,
		&a.MessagesExchanged,
		pq.Array(&hourly),
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return types.Analytics{}, err
	}

	copy(a.HourlyActivity[:], hourly)
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeParticipants(ps []types.Participant) ([]byte, error) {
	if ps == nil {
		ps = []types.Participant{}
	}
	return json.Marshal(ps)
}
