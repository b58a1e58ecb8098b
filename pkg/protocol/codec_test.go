package protocol

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRestoresConcreteTypes(t *testing.T) {
	t.Parallel()

	room := DocumentRoom("doc-42")
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "join", msg: JoinRoom{Room: room}},
		{name: "doc update", msg: DocUpdate{Room: room, Delta: []byte{1, 2, 3}, Version: 7}},
		{name: "presence", msg: PresenceUpdate{Room: room, Record: Presence{SessionID: "s1", UserID: "u1", Cursor: []byte("12"), Online: true, LastSeen: 1700000000000}}},
		{name: "resource", msg: ResourceEvent{Action: KindResourceDeleted, Collection: KindTaskCollection, ResourceID: "task-1", Title: "Task deleted"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := Encode(tt.msg)
			require.NoError(t, err)
			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestRoomKeyTravelsAsText(t *testing.T) {
	t.Parallel()

	raw, err := Encode(LeaveRoom{Room: RoomKey{Kind: KindCalendarCollection, ID: "user-1"}})
	require.NoError(t, err)

	var env struct {
		Kind Kind           `cbor:"k"`
		Body map[string]any `cbor:"b"`
	}
	require.NoError(t, cbor.Unmarshal(raw, &env))
	assert.Equal(t, KindLeaveRoom, env.Kind)
	assert.Equal(t, "calendar-collection:user-1", env.Body["room"])
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	raw, err := cbor.Marshal(map[string]any{"k": "shout", "b": map[string]any{}})
	require.NoError(t, err)

	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeRejectsInvalidRoom(t *testing.T) {
	t.Parallel()

	raw, err := cbor.Marshal(map[string]any{"k": "join-room", "b": map[string]any{"room": "spreadsheet:1"}})
	require.NoError(t, err)

	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrInvalidRoomKey)
}

func TestParseRoomKey(t *testing.T) {
	t.Parallel()

	k, err := ParseRoomKey("task-collection:user-9")
	require.NoError(t, err)
	assert.Equal(t, RoomKey{Kind: KindTaskCollection, ID: "user-9"}, k)
	assert.Equal(t, "task-collection:user-9", k.String())

	for _, bad := range []string{"", "document", "document:", "widget:1"} {
		_, err := ParseRoomKey(bad)
		assert.ErrorIs(t, err, ErrInvalidRoomKey, bad)
	}
}
