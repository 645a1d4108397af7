package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/types"
)

// ClientMessage is an inbound frame. Exactly one variant is set.
type ClientMessage struct {
	Id                 int                 `json:"id,omitempty"`
	JoinRoom           *JoinRoom           `json:"join_room,omitempty"`
	LeaveRoom          *LeaveRoom          `json:"leave_room,omitempty"`
	SendMessage        *SendMessage        `json:"send_message,omitempty"`
	UpdateRoomSettings *UpdateRoomSettings `json:"update_room_settings,omitempty"`
}

type JoinRoom struct {
	RoomId   string `json:"roomId"`
	Username string `json:"username"`
}

type LeaveRoom struct {
	RoomId string `json:"roomId"`
}

type SendMessage struct {
	RoomId  string `json:"roomId"`
	Message string `json:"message"`
}

type UpdateRoomSettings struct {
	RoomId   string         `json:"roomId"`
	Settings map[string]any `json:"settings"`
}

// RoomId returns the room the frame targets.
func (m *ClientMessage) RoomId() string {
	switch {
	case m.JoinRoom != nil:
		return m.JoinRoom.RoomId
	case m.LeaveRoom != nil:
		return m.LeaveRoom.RoomId
	case m.SendMessage != nil:
		return m.SendMessage.RoomId
	case m.UpdateRoomSettings != nil:
		return m.UpdateRoomSettings.RoomId
	}
	return ""
}

// trimRoomId normalizes the room id of whichever variant is set, so every
// frame for a room routes to the same queue.
func (m *ClientMessage) trimRoomId() {
	switch {
	case m.JoinRoom != nil:
		m.JoinRoom.RoomId = strings.TrimSpace(m.JoinRoom.RoomId)
	case m.LeaveRoom != nil:
		m.LeaveRoom.RoomId = strings.TrimSpace(m.LeaveRoom.RoomId)
	case m.SendMessage != nil:
		m.SendMessage.RoomId = strings.TrimSpace(m.SendMessage.RoomId)
	case m.UpdateRoomSettings != nil:
		m.UpdateRoomSettings.RoomId = strings.TrimSpace(m.UpdateRoomSettings.RoomId)
	}
}

// DecodeClientMessage parses a frame and checks that it carries exactly one
// variant addressed to a well-formed room id.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, apperr.Validation("invalid message format")
	}

	set := 0
	for _, present := range []bool{
		msg.JoinRoom != nil,
		msg.LeaveRoom != nil,
		msg.SendMessage != nil,
		msg.UpdateRoomSettings != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, apperr.Validation("message must contain exactly one event")
	}

	msg.trimRoomId()
	if err := registry.ValidateRoomId(msg.RoomId()); err != nil {
		return nil, err
	}
	if msg.JoinRoom != nil && strings.TrimSpace(msg.JoinRoom.Username) == "" {
		return nil, apperr.Validation("username is required")
	}
	if msg.UpdateRoomSettings != nil && len(msg.UpdateRoomSettings.Settings) == 0 {
		return nil, apperr.Validation("settings cannot be empty")
	}

	return &msg, nil
}

// ServerMessage is an outbound frame. Exactly one variant is set.
type ServerMessage struct {
	Id                  int                   `json:"id,omitempty"`
	RoomHistory         *types.RoomHistory    `json:"room_history,omitempty"`
	RoomFull            *RoomRef              `json:"room_full,omitempty"`
	RoomExpired         *RoomRef              `json:"room_expired,omitempty"`
	Error               *ErrorPayload         `json:"error,omitempty"`
	ParticipantJoined   *types.PresenceChange `json:"participant_joined,omitempty"`
	ParticipantLeft     *types.PresenceChange `json:"participant_left,omitempty"`
	NewMessage          *types.Message        `json:"new_message,omitempty"`
	RoomSettingsUpdated *types.SettingsChange `json:"room_settings_updated,omitempty"`
}

type RoomRef struct {
	RoomId string `json:"roomId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func RoomHistory(id int, h types.RoomHistory) *ServerMessage {
	return &ServerMessage{Id: id, RoomHistory: &h}
}

func ErrInvalidMessage(err error) *ServerMessage {
	return ErrorFor(0, "", err)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		Id:    id,
		Error: &ErrorPayload{Code: "unavailable", Message: "service unavailable"},
	}
}

// ErrorFor maps an operation error onto the frame the caller receives.
func ErrorFor(id int, roomId string, err error) *ServerMessage {
	switch {
	case errors.Is(err, apperr.ErrRoomFull):
		return &ServerMessage{Id: id, RoomFull: &RoomRef{RoomId: roomId}}
	case errors.Is(err, apperr.ErrRoomExpired):
		return &ServerMessage{Id: id, RoomExpired: &RoomRef{RoomId: roomId}}
	}

	payload := &ErrorPayload{Code: "internal", Message: "internal server error"}
	var e *apperr.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case apperr.KindTransientStore:
			payload = &ErrorPayload{Code: "unavailable", Message: "service temporarily unavailable"}
		case apperr.KindPermanentStore:
			if e.Err == nil {
				payload = &ErrorPayload{Code: e.Code, Message: e.Message}
			}
		default:
			payload = &ErrorPayload{Code: e.Code, Message: e.Message}
		}
	}

	return &ServerMessage{Id: id, Error: payload}
}

// FromEvent converts a room event into the frame members receive.
func FromEvent(evt *events.Event) *ServerMessage {
	switch evt.Kind {
	case events.ParticipantJoined:
		return &ServerMessage{ParticipantJoined: evt.Presence}
	case events.ParticipantLeft:
		return &ServerMessage{ParticipantLeft: evt.Presence}
	case events.NewMessage:
		if evt.Message == nil {
			return nil
		}
		return &ServerMessage{NewMessage: evt.Message}
	case events.RoomSettingsUpdated:
		return &ServerMessage{RoomSettingsUpdated: evt.Settings}
	}
	return nil
}
