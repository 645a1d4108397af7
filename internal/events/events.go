// Package events carries room notifications between the store that commits
// them and every worker that has members of the room connected.
//
// Events are published by the same write that persists the change they
// describe, so subscribers observe them in commit order.
package events

import (
	"encoding/json"
	"sync"

	"github.com/npezzotti/go-huddle/internal/types"
)

type Kind string

const (
	ParticipantJoined   Kind = "participant_joined"
	ParticipantLeft     Kind = "participant_left"
	NewMessage          Kind = "new_message"
	RoomSettingsUpdated Kind = "room_settings_updated"
)

// Event is the cross-worker envelope. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind     Kind                  `json:"kind"`
	RoomId   string                `json:"roomId"`
	Exclude  string                `json:"exclude,omitempty"`
	Presence *types.PresenceChange `json:"presence,omitempty"`
	Message  *types.Message        `json:"message,omitempty"`
	Settings *types.SettingsChange `json:"settings,omitempty"`
	// MessageRef replaces Message when the encoded event does not fit in a
	// single notification; subscribers load the message by id.
	MessageRef string `json:"messageRef,omitempty"`
}

func Joined(roomId, exclude string, pc types.PresenceChange) *Event {
	return &Event{Kind: ParticipantJoined, RoomId: roomId, Exclude: exclude, Presence: &pc}
}

func Left(roomId string, pc types.PresenceChange) *Event {
	return &Event{Kind: ParticipantLeft, RoomId: roomId, Presence: &pc}
}

func Message(msg types.Message) *Event {
	return &Event{Kind: NewMessage, RoomId: msg.RoomId, Message: &msg}
}

func Settings(roomId string, settings map[string]any) *Event {
	return &Event{
		Kind:     RoomSettingsUpdated,
		RoomId:   roomId,
		Settings: &types.SettingsChange{RoomId: roomId, Settings: settings},
	}
}

func Encode(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

type Handler func(*Event)

// Subscriber is implemented by every bus.
type Subscriber interface {
	Subscribe(h Handler) (unsubscribe func())
}

// MemoryBus delivers events synchronously to in-process subscribers. Handlers
// run on the publisher's goroutine and must not block.
type MemoryBus struct {
	mu       sync.RWMutex
	nextId   int
	handlers map[int]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]Handler)}
}

func (b *MemoryBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextId
	b.nextId++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *MemoryBus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		h(e)
	}
}
