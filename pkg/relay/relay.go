// Package relay forwards task and calendar change notifications to the other live sessions of the same user.
//
// Nothing is merged: the durable store is the source of truth and applies last-write-wins. A relayed event
// only tells the user's other sessions that something changed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/roomsync/pkg/protocol"
	"github.com/astromechza/roomsync/pkg/registry"
)

var ErrInvalidEvent = errors.New("invalid resource event")

type Broadcaster interface {
	Broadcast(ctx context.Context, key protocol.RoomKey, msg protocol.Message, excludeID string) registry.Result
}

// Origin is the session an event came from.
type Origin struct {
	SessionID string
	UserID    string
}

type Relay struct {
	b      Broadcaster
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func New(b Broadcaster, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{b: b, logger: logger, now: time.Now, newID: uuid.NewString}
}

// Room is the collection room events for the user's collection are relayed through.
func Room(collection protocol.ResourceKind, userID string) protocol.RoomKey {
	return protocol.RoomKey{Kind: collection, ID: userID}
}

// Relay validates ev, stamps it as a notification and delivers it to the origin user's other sessions in the
// collection room. The stamped event is returned with the broadcast result.
func (r *Relay) Relay(ctx context.Context, origin Origin, ev protocol.ResourceEvent) (protocol.ResourceEvent, registry.Result, error) {
	if !ev.Action.IsResourceAction() {
		return ev, registry.Result{}, fmt.Errorf("%w: action %q", ErrInvalidEvent, ev.Action)
	}
	if !ev.Collection.IsCollection() {
		return ev, registry.Result{}, fmt.Errorf("%w: collection %q", ErrInvalidEvent, ev.Collection)
	}
	if ev.ResourceID == "" {
		return ev, registry.Result{}, fmt.Errorf("%w: empty resource id", ErrInvalidEvent)
	}
	if origin.UserID == "" {
		return ev, registry.Result{}, fmt.Errorf("%w: no origin user", ErrInvalidEvent)
	}

	ev.NotificationID = r.newID()
	ev.Timestamp = r.now().UnixMilli()
	if ev.Title == "" {
		ev.Title = title(ev.Collection, ev.Action)
	}
	if ev.Message == "" {
		ev.Message = fmt.Sprintf("%s %s was %s in another session", noun(ev.Collection), ev.ResourceID, verb(ev.Action))
	}

	key := Room(ev.Collection, origin.UserID)
	res := r.b.Broadcast(ctx, key, ev, origin.SessionID)
	r.logger.Debug("relayed resource event", "room", key, "kind", ev.Action, "resource", ev.ResourceID, "delivered", res.Delivered)
	return ev, res, nil
}

func noun(c protocol.ResourceKind) string {
	if c == protocol.KindCalendarCollection {
		return "Event"
	}
	return "Task"
}

func verb(action protocol.Kind) string {
	switch action {
	case protocol.KindResourceCreated:
		return "created"
	case protocol.KindResourceDeleted:
		return "deleted"
	default:
		return "updated"
	}
}

func title(c protocol.ResourceKind, action protocol.Kind) string {
	return noun(c) + " " + verb(action)
}
