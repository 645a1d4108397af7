// Package registry owns room records: lazy creation, settings updates and the
// conditional-update loop every room mutation goes through.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	DefaultCapacity = 10
	MinCapacity     = 1
	MaxCapacity     = 100
	MaxNameLength   = 100
	MaxRoomIdLength = 64

	defaultRetries = 5
	defaultTimeout = 5 * time.Second
)

// ErrSkip is returned by a Mutation that has nothing to write.
var ErrSkip = errors.New("registry: nothing to update")

// Mutation edits room in place and returns the event to publish with the
// commit. It is called again with fresh state after every conflict, so it must
// not have side effects outside room.
type Mutation func(room *types.Room) (*events.Event, error)

// Defaults seeds a room that does not exist yet.
type Defaults struct {
	Name     string
	Capacity int
	Type     string
}

type Options struct {
	Retries      int
	StoreTimeout time.Duration
}

type Registry struct {
	repo    database.RoomRepository
	log     zerolog.Logger
	retries int
	timeout time.Duration
	now     func() time.Time
	backoff func(attempt int) time.Duration
}

func New(repo database.RoomRepository, log zerolog.Logger, opts Options) *Registry {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultTimeout
	}

	return &Registry{
		repo:    repo,
		log:     log.With().Str("component", "registry").Logger(),
		retries: opts.Retries,
		timeout: opts.StoreTimeout,
		now:     types.Now,
		backoff: jitter,
	}
}

func jitter(attempt int) time.Duration {
	base := time.Duration(attempt) * 5 * time.Millisecond
	return base + rand.N(5*time.Millisecond)
}

func (r *Registry) Get(ctx context.Context, roomId string) (types.Room, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	room, err := r.repo.GetRoom(ctx, roomId)
	return room, apperr.Classify(err)
}

// GetOrCreate returns the room with roomId, creating it from d if it does not
// exist. Concurrent callers all receive the single room that won the insert.
func (r *Registry) GetOrCreate(ctx context.Context, roomId string, d Defaults) (types.Room, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return types.Room{}, err
	}

	room, err := r.Get(ctx, roomId)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, apperr.ErrRoomNotFound) {
		return types.Room{}, err
	}

	room, err = r.insert(ctx, roomId, d)
	if errors.Is(err, apperr.ErrRoomExists) {
		r.log.Debug().Str("room_id", roomId).Msg("lost creation race, reading winner")
		return r.Get(ctx, roomId)
	}
	if err != nil {
		return types.Room{}, err
	}

	r.log.Info().Str("room_id", roomId).Int("capacity", room.Capacity).Msg("room created")
	return room, nil
}

// Create makes a room with a generated id.
func (r *Registry) Create(ctx context.Context, d Defaults) (types.Room, error) {
	for attempt := 1; ; attempt++ {
		id, err := shortid.Generate()
		if err != nil {
			return types.Room{}, fmt.Errorf("generate room id: %w", err)
		}

		room, err := r.insert(ctx, id, d)
		if errors.Is(err, apperr.ErrRoomExists) && attempt < r.retries {
			continue
		}
		if err != nil {
			return types.Room{}, err
		}

		r.log.Info().Str("room_id", id).Int("capacity", room.Capacity).Msg("room created")
		return room, nil
	}
}

func (r *Registry) insert(ctx context.Context, roomId string, d Defaults) (types.Room, error) {
	room, err := newRoom(roomId, d, r.now())
	if err != nil {
		return types.Room{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	room, err = r.repo.CreateRoom(ctx, room)
	return room, apperr.Classify(err)
}

func newRoom(roomId string, d Defaults, now time.Time) (types.Room, error) {
	room := types.Room{
		Id:           roomId,
		Name:         strings.TrimSpace(d.Name),
		Capacity:     d.Capacity,
		Type:         d.Type,
		CreatedAt:    now,
		Participants: []types.Participant{},
	}

	if room.Name == "" {
		room.Name = "Room " + roomId
	}
	if room.Capacity == 0 {
		room.Capacity = DefaultCapacity
	}
	if room.Type == "" {
		room.Type = types.RoomTypeChat
	}

	if err := validateName(room.Name); err != nil {
		return types.Room{}, err
	}
	if err := validateCapacity(room.Capacity); err != nil {
		return types.Room{}, err
	}
	if err := validateType(room.Type); err != nil {
		return types.Room{}, err
	}

	return room, nil
}

// CheckAdmission reports whether a new participant may enter room at now. A
// room that is both full and expired reports full.
func CheckAdmission(room types.Room, now time.Time) error {
	if len(room.Participants) >= room.Capacity {
		return apperr.ErrRoomFull
	}
	if room.Expired(now) {
		return apperr.ErrRoomExpired
	}
	return nil
}

// Update applies mutate to the latest version of the room and writes it with
// a version check, retrying on conflicts and transient store errors. The
// returned bool is false when mutate returned ErrSkip.
func (r *Registry) Update(ctx context.Context, roomId string, mutate Mutation) (types.Room, bool, error) {
	var lastErr error

	for attempt := 1; attempt <= r.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return types.Room{}, false, apperr.Transient(ctx.Err())
			case <-time.After(r.backoff(attempt)):
			}
		}

		room, err := r.Get(ctx, roomId)
		if err != nil {
			if apperr.IsTransient(err) {
				lastErr = err
				continue
			}
			return types.Room{}, false, err
		}

		next := room.Clone()
		evt, err := mutate(&next)
		if errors.Is(err, ErrSkip) {
			return room, false, nil
		}
		if err != nil {
			return types.Room{}, false, err
		}

		committed, err := r.write(ctx, next, evt)
		if err == nil {
			return committed, true, nil
		}
		if !apperr.IsTransient(err) {
			return types.Room{}, false, err
		}

		r.log.Debug().Err(err).Str("room_id", roomId).Int("attempt", attempt).Msg("room update retry")
		lastErr = err
	}

	r.log.Warn().Err(lastErr).Str("room_id", roomId).Int("attempts", r.retries).Msg("room update gave up")
	return types.Room{}, false, lastErr
}

func (r *Registry) write(ctx context.Context, room types.Room, evt *events.Event) (types.Room, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	room, err := r.repo.UpdateRoom(ctx, room, evt)
	return room, apperr.Classify(err)
}

func ValidateRoomId(id string) error {
	if id == "" {
		return apperr.Validation("room id is required")
	}
	if len(id) > MaxRoomIdLength {
		return apperr.Validation("room id cannot be longer than %d characters", MaxRoomIdLength)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return apperr.Validation("room name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return apperr.Validation("room name cannot be more than %d characters", MaxNameLength)
	}
	return nil
}

func validateCapacity(capacity int) error {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return apperr.Validation("capacity must be between %d and %d", MinCapacity, MaxCapacity)
	}
	return nil
}

func validateType(t string) error {
	switch t {
	case types.RoomTypeChat, types.RoomTypeAudio, types.RoomTypeVideo:
		return nil
	default:
		return apperr.Validation("unknown room type %q", t)
	}
}
