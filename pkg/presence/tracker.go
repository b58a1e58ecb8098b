// Package presence tracks which sessions are in which document rooms, and where their cursors are.
//
// Records live in memory only. Every change is broadcast to the other members of the room; the record owner
// never receives its own update back.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/roomsync/pkg/protocol"
	"github.com/astromechza/roomsync/pkg/registry"
)

var ErrNoSession = errors.New("presence record has no session id")

// Broadcaster delivers a message to every member of a room except one.
type Broadcaster interface {
	Broadcast(ctx context.Context, key protocol.RoomKey, msg protocol.Message, excludeID string) registry.Result
}

type Tracker struct {
	b      Broadcaster
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	rooms     map[protocol.RoomKey]map[string]protocol.Presence
	bySession map[string]map[protocol.RoomKey]struct{}
}

func New(b Broadcaster, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		b:         b,
		logger:    logger,
		now:       time.Now,
		rooms:     make(map[protocol.RoomKey]map[string]protocol.Presence),
		bySession: make(map[string]map[protocol.RoomKey]struct{}),
	}
}

// Upsert stores rec as the session's current presence in the room and broadcasts it. The latest write for a
// session wins. The stored record is returned with its last-seen time stamped.
func (t *Tracker) Upsert(ctx context.Context, key protocol.RoomKey, rec protocol.Presence) (protocol.Presence, error) {
	if rec.SessionID == "" {
		return protocol.Presence{}, ErrNoSession
	}
	rec.Online = true
	rec.LastSeen = t.now().UnixMilli()

	t.mu.Lock()
	records, ok := t.rooms[key]
	if !ok {
		records = make(map[string]protocol.Presence)
		t.rooms[key] = records
	}
	records[rec.SessionID] = rec
	joined, ok := t.bySession[rec.SessionID]
	if !ok {
		joined = make(map[protocol.RoomKey]struct{})
		t.bySession[rec.SessionID] = joined
	}
	joined[key] = struct{}{}
	t.mu.Unlock()

	t.b.Broadcast(ctx, key, protocol.PresenceUpdate{Room: key, Record: rec}, rec.SessionID)
	return rec, nil
}

func (t *Tracker) remove(key protocol.RoomKey, sessionID string) bool {
	records, ok := t.rooms[key]
	if !ok {
		return false
	}
	if _, ok := records[sessionID]; !ok {
		return false
	}
	delete(records, sessionID)
	if len(records) == 0 {
		delete(t.rooms, key)
	}
	if joined, ok := t.bySession[sessionID]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(t.bySession, sessionID)
		}
	}
	return true
}

// Remove drops the session's record in the room and broadcasts that it went offline. It reports whether a
// record existed.
func (t *Tracker) Remove(ctx context.Context, key protocol.RoomKey, sessionID string) bool {
	t.mu.Lock()
	removed := t.remove(key, sessionID)
	t.mu.Unlock()
	if removed {
		t.b.Broadcast(ctx, key, protocol.PresenceOffline{Room: key, SessionID: sessionID}, sessionID)
	}
	return removed
}

// Expire drops every record of the session and broadcasts one offline event per room it was in. Concurrent
// or repeated calls for the same session emit each event once between them.
func (t *Tracker) Expire(ctx context.Context, sessionID string) []protocol.RoomKey {
	t.mu.Lock()
	keys := make([]protocol.RoomKey, 0, len(t.bySession[sessionID]))
	for key := range t.bySession[sessionID] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		t.remove(key, sessionID)
	}
	t.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		t.b.Broadcast(ctx, key, protocol.PresenceOffline{Room: key, SessionID: sessionID}, sessionID)
	}
	if len(keys) > 0 {
		t.logger.Debug("expired presence", "session", sessionID, "rooms", len(keys))
	}
	return keys
}

// List returns the room's records ordered by session id.
func (t *Tracker) List(key protocol.RoomKey) []protocol.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Presence, 0, len(t.rooms[key]))
	for _, rec := range t.rooms[key] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
