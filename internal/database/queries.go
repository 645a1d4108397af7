package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
)

func (db *PgRoomRepository) GetRoom(ctx context.Context, id string) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id = $1",
		id,
	)

	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Room{}, apperr.ErrRoomNotFound
		}
		return types.Room{}, mapError(err)
	}

	return room, nil
}

func (db *PgRoomRepository) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	participants, err := encodeParticipants(room.Participants)
	if err != nil {
		return types.Room{}, err
	}

	var created types.Room
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"INSERT INTO rooms (id, name, capacity, type, is_locked, created_at, expires_at, participants, version, seq_id) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, 0) RETURNING "+roomColumns,
			room.Id,
			room.Name,
			room.Capacity,
			room.Type,
			room.IsLocked,
			room.CreatedAt,
			nullTime(room.ExpiresAt),
			participants,
		)

		var err error
		if created, err = scanRoom(row); err != nil {
			if isUniqueViolation(err) {
				return apperr.ErrRoomExists
			}
			return mapError(err)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO analytics (room_id, created_at, updated_at) VALUES ($1, $2, $2)",
			room.Id,
			room.CreatedAt,
		)
		return mapError(err)
	})

	return created, err
}

func (db *PgRoomRepository) UpdateRoom(ctx context.Context, room types.Room, evt *events.Event) (types.Room, error) {
	participants, err := encodeParticipants(room.Participants)
	if err != nil {
		return types.Room{}, err
	}

	var updated types.Room
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"UPDATE rooms SET name = $2, capacity = $3, type = $4, is_locked = $5, expires_at = $6, "+
				"participants = $7, version = version + 1 "+
				"WHERE id = $1 AND version = $8 RETURNING "+roomColumns,
			room.Id,
			room.Name,
			room.Capacity,
			room.Type,
			room.IsLocked,
			nullTime(room.ExpiresAt),
			participants,
			room.Version,
		)

		var err error
		updated, err = scanRoom(row)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				"SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)", room.Id,
			).Scan(&exists); err != nil {
				return mapError(err)
			}
			if !exists {
				return apperr.ErrRoomNotFound
			}
			return apperr.ErrConflict
		}
		if err != nil {
			return mapError(err)
		}

		return notify(ctx, tx, evt)
	})

	return updated, err
}

func (db *PgRoomRepository) ListRoomsByParticipant(ctx context.Context, connId string) ([]string, error) {
	filter, err := json.Marshal([]map[string]string{{"connectionId": connId}})
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id FROM rooms WHERE participants @> $1::jsonb ORDER BY id",
		string(filter),
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}

	return ids, mapError(rows.Err())
}

func (db *PgRoomRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"UPDATE rooms SET seq_id = seq_id + 1 WHERE id = $1 RETURNING seq_id",
			msg.RoomId,
		).Scan(&msg.SeqId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.ErrRoomNotFound
			}
			return mapError(err)
		}

		// stamped under the room row lock, never earlier than the previous message
		err = tx.QueryRowContext(ctx,
			"SELECT GREATEST(date_trunc('milliseconds', clock_timestamp()), "+
				"(SELECT created_at FROM messages WHERE room_id = $1 AND seq_id = $2 - 1))",
			msg.RoomId,
			msg.SeqId,
		).Scan(&msg.Timestamp)
		if err != nil {
			return mapError(err)
		}
		msg.Timestamp = msg.Timestamp.UTC()

		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages ("+messageColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			msg.Id,
			msg.RoomId,
			msg.SeqId,
			msg.Sender,
			msg.SenderId,
			msg.Content,
			msg.IsSystem,
			msg.Timestamp,
		)
		if err != nil {
			return mapError(err)
		}

		return notify(ctx, tx, events.Message(msg))
	})
	if err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

func (db *PgRoomRepository) GetMessage(ctx context.Context, roomId, id string) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE room_id = $1 AND id = $2",
		roomId,
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, apperr.ErrMessageNotFound
		}
		return types.Message{}, mapError(err)
	}

	return msg, nil
}

func (db *PgRoomRepository) GetRecentMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM ("+
			"SELECT "+messageColumns+" FROM messages WHERE room_id = $1 ORDER BY seq_id DESC LIMIT $2"+
			") recent ORDER BY seq_id ASC",
		roomId,
		limit,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	messages := []types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapError(err)
		}
		messages = append(messages, msg)
	}

	return messages, mapError(rows.Err())
}

func (db *PgRoomRepository) RecordJoin(ctx context.Context, roomId string, liveCount, hour int, at time.Time) error {
	if hour < 0 || hour >= types.HoursPerDay {
		return apperr.Validation("hour %d out of range", hour)
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE analytics SET total_participants = total_participants + 1, "+
			"peak_concurrent_users = GREATEST(peak_concurrent_users, $2), "+
			"hourly_activity[$3] = hourly_activity[$3] + 1, "+
			"updated_at = $4 WHERE room_id = $1",
		roomId,
		liveCount,
		hour+1,
		at,
	)

	return checkAffected(res, err)
}

func (db *PgRoomRepository) RecordMessage(ctx context.Context, roomId string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE analytics SET messages_exchanged = messages_exchanged + 1, updated_at = $2 WHERE room_id = $1",
		roomId,
		at,
	)

	return checkAffected(res, err)
}

func (db *PgRoomRepository) GetAnalytics(ctx context.Context, roomId string) (types.Analytics, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT room_id, total_participants, peak_concurrent_users, messages_exchanged, "+
			"hourly_activity, created_at, updated_at FROM analytics WHERE room_id = $1",
		roomId,
	)

	a, err := scanAnalytics(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Analytics{}, apperr.ErrRoomNotFound
		}
		return types.Analytics{}, mapError(err)
	}

	return a, nil
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return apperr.ErrRoomNotFound
	}

	return nil
}

var _ RoomRepository = (*PgRoomRepository)(nil)
