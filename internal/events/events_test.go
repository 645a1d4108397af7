package events

import (
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	evt := Message(types.Message{
		Id:        "01HX",
		RoomId:    "abc",
		SeqId:     3,
		Sender:    "alice",
		SenderId:  "conn-1",
		Content:   "hi",
		Timestamp: ts,
	})

	raw, err := Encode(evt)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, NewMessage, decoded.Kind)
	assert.Equal(t, "abc", decoded.RoomId)
	require.NotNil(t, decoded.Message)
	assert.Equal(t, int64(3), decoded.Message.SeqId)
	assert.True(t, ts.Equal(decoded.Message.Timestamp))
	assert.Nil(t, decoded.Presence, "expected no presence payload on a message event")
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()

	var got []Kind
	unsubscribe := bus.Subscribe(func(e *Event) {
		got = append(got, e.Kind)
	})

	bus.Publish(Joined("r1", "c1", types.PresenceChange{Id: "c1", ParticipantCount: 1}))
	bus.Publish(Left("r1", types.PresenceChange{Id: "c1", ParticipantCount: 0}))
	assert.Equal(t, []Kind{ParticipantJoined, ParticipantLeft}, got, "expected events in publish order")

	unsubscribe()
	bus.Publish(Settings("r1", map[string]any{"name": "x"}))
	assert.Len(t, got, 2, "expected no delivery after unsubscribe")
}
