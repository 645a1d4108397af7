package types

import (
	"time"
)

const (
	RoomTypeChat  = "chat"
	RoomTypeAudio = "audio"
	RoomTypeVideo = "video"

	HoursPerDay = 24
)

type Participant struct {
	ConnectionId string    `json:"connectionId"`
	UserId       int       `json:"userId,omitempty"`
	Username     string    `json:"username"`
	JoinedAt     time.Time `json:"joinedAt"`
	IsOnline     bool      `json:"isOnline"`
}

type Room struct {
	Id           string        `json:"id"`
	Name         string        `json:"name"`
	Capacity     int           `json:"capacity"`
	Type         string        `json:"type"`
	IsLocked     bool          `json:"isLocked"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    *time.Time    `json:"expiresAt"`
	Participants []Participant `json:"participants"`
	Version      int           `json:"-"`
	SeqId        int64         `json:"-"`
}

// IndexOf returns the position of the participant holding connId, or -1.
func (r *Room) IndexOf(connId string) int {
	for i, p := range r.Participants {
		if p.ConnectionId == connId {
			return i
		}
	}
	return -1
}

func (r *Room) HasParticipant(connId string) bool {
	return r.IndexOf(connId) >= 0
}

// Expired reports whether the room's expiry is at or before now.
func (r *Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Clone returns a deep copy so callers can mutate a room read from a store
// without touching the store's copy.
func (r Room) Clone() Room {
	c := r
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.Participants = make([]Participant, len(r.Participants))
	copy(c.Participants, r.Participants)
	return c
}

type Message struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"roomId"`
	SeqId     int64     `json:"seq"`
	Sender    string    `json:"sender"`
	SenderId  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsSystem  bool      `json:"isSystem,omitempty"`
}

type Analytics struct {
	RoomId              string             `json:"roomId"`
	TotalParticipants   int64              `json:"totalParticipants"`
	PeakConcurrentUsers int                `json:"peakConcurrentUsers"`
	MessagesExchanged   int64              `json:"messagesExchanged"`
	HourlyActivity      [HoursPerDay]int64 `json:"hourlyActivity"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

type PresenceChange struct {
	Id               string `json:"id"`
	RoomId           string `json:"roomId"`
	Username         string `json:"username"`
	ParticipantCount int    `json:"participantCount"`
}

type SettingsChange struct {
	RoomId   string         `json:"roomId"`
	Settings map[string]any `json:"settings"`
}

type RoomHistory struct {
	RoomId       string        `json:"roomId"`
	Messages     []Message     `json:"messages"`
	Participants []Participant `json:"participants"`
}

// Now returns the current UTC time at millisecond precision, the resolution
// timestamps are stored and sent with.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
