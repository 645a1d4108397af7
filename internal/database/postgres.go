package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
)

type PgRoomRepository struct {
	conn *sql.DB
}

func NewPgRoomRepository(ctx context.Context, dsn string) (*PgRoomRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgRoomRepository{conn: db}, nil
}

func (db *PgRoomRepository) Ping(ctx context.Context) error {
	return mapError(db.conn.PingContext(ctx))
}

func (db *PgRoomRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRoomRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return mapError(err)
	}

	return nil
}

// notify queues evt on the room event channel. PostgreSQL delivers it only if
// tx commits, and in commit order relative to other transactions.
func notify(ctx context.Context, tx *sql.Tx, evt *events.Event) error {
	if evt == nil {
		return nil
	}

	payload, err := events.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if len(payload) > maxNotifyPayload && evt.Message != nil {
		ref := *evt
		ref.MessageRef = evt.Message.Id
		ref.Message = nil
		if payload, err = events.Encode(&ref); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}

	if len(payload) > maxNotifyPayload {
		return apperr.Validation("event for room %s too large to publish", evt.RoomId)
	}

	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload))
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return apperr.Transient(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return apperr.Transient(err)
		}

		switch pqErr.Code.Name() {
		case "check_violation":
			return apperr.Validation("constraint %s violated", pqErr.Constraint)
		case "foreign_key_violation":
			return apperr.ErrRoomNotFound
		}
	}

	return apperr.Classify(err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
