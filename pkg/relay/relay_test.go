package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/roomsync/pkg/protocol"
	"github.com/astromechza/roomsync/pkg/registry"
)

type recorder struct {
	key     protocol.RoomKey
	msg     protocol.Message
	exclude string
	calls   int
}

func (r *recorder) Broadcast(_ context.Context, key protocol.RoomKey, msg protocol.Message, excludeID string) registry.Result {
	r.key, r.msg, r.exclude = key, msg, excludeID
	r.calls++
	return registry.Result{Delivered: 2}
}

func newTestRelay() (*Relay, *recorder) {
	rec := &recorder{}
	r := New(rec, nil)
	r.now = func() time.Time { return time.UnixMilli(42) }
	r.newID = func() string { return "n-1" }
	return r, rec
}

func TestRelayStampsAndTargetsOwnerRoom(t *testing.T) {
	t.Parallel()

	r, rec := newTestRelay()
	ev := protocol.ResourceEvent{
		Action:     protocol.KindResourceUpdated,
		Collection: protocol.KindTaskCollection,
		ResourceID: "task-7",
		Payload:    []byte(`{"done":true}`),
	}

	got, res, err := r.Relay(context.Background(), Origin{SessionID: "s1", UserID: "alice"}, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	assert.Equal(t, "n-1", got.NotificationID)
	assert.Equal(t, int64(42), got.Timestamp)
	assert.Equal(t, "Task updated", got.Title)
	assert.Equal(t, "Task task-7 was updated in another session", got.Message)

	assert.Equal(t, protocol.RoomKey{Kind: protocol.KindTaskCollection, ID: "alice"}, rec.key)
	assert.Equal(t, "s1", rec.exclude)
	assert.Equal(t, got, rec.msg)
}

func TestRelayKeepsClientTitle(t *testing.T) {
	t.Parallel()

	r, _ := newTestRelay()
	got, _, err := r.Relay(context.Background(), Origin{SessionID: "s1", UserID: "bob"}, protocol.ResourceEvent{
		Action:     protocol.KindResourceCreated,
		Collection: protocol.KindCalendarCollection,
		ResourceID: "ev-1",
		Title:      "Standup moved",
	})
	require.NoError(t, err)
	assert.Equal(t, "Standup moved", got.Title)
	assert.Equal(t, "Event ev-1 was created in another session", got.Message)
}

func TestRelayRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		origin Origin
		ev     protocol.ResourceEvent
	}{
		"bad action": {
			origin: Origin{UserID: "u"},
			ev:     protocol.ResourceEvent{Action: protocol.KindDocUpdate, Collection: protocol.KindTaskCollection, ResourceID: "r"},
		},
		"document collection": {
			origin: Origin{UserID: "u"},
			ev:     protocol.ResourceEvent{Action: protocol.KindResourceDeleted, Collection: protocol.KindDocument, ResourceID: "r"},
		},
		"no resource": {
			origin: Origin{UserID: "u"},
			ev:     protocol.ResourceEvent{Action: protocol.KindResourceDeleted, Collection: protocol.KindTaskCollection},
		},
		"no user": {
			ev: protocol.ResourceEvent{Action: protocol.KindResourceDeleted, Collection: protocol.KindTaskCollection, ResourceID: "r"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			r, rec := newTestRelay()
			_, _, err := r.Relay(context.Background(), tc.origin, tc.ev)
			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Zero(t, rec.calls)
		})
	}
}
