package server

import (
	"context"
	"errors"

	"github.com/astromechza/roomsync/pkg/protocol"
	"github.com/astromechza/roomsync/pkg/relay"
	"github.com/astromechza/roomsync/pkg/replica"
	"github.com/astromechza/roomsync/pkg/session"
)

// dispatch handles one inbound message. It runs on the session's dispatcher loop, so a session's messages
// are handled strictly in the order they arrived.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JoinRoom:
		s.join(ctx, sess, m.Room)
	case protocol.LeaveRoom:
		s.leave(ctx, sess, m.Room)
	case protocol.DocUpdate:
		s.applyUpdate(ctx, sess, m)
	case protocol.PresenceUpdate:
		s.updatePresence(ctx, sess, m)
	case protocol.ResourceEvent:
		s.relayEvent(ctx, sess, m)
	default:
		sess.Logger().Warn("ignoring server-bound message of client-bound kind", "kind", msg.Kind())
	}
}

func reject(ctx context.Context, sess *session.Session, code, message string) {
	if err := sess.SendContext(ctx, protocol.Error{Code: code, Message: message}); err != nil {
		sess.Logger().Debug("failed to send error frame", "code", code, "err", err)
	}
}

func (s *Server) join(ctx context.Context, sess *session.Session, key protocol.RoomKey) {
	// collection rooms are private to their owner
	if key.Kind.IsCollection() && key.ID != sess.UserID() {
		reject(ctx, sess, protocol.CodeForbidden, "cannot join another user's collection "+key.String())
		return
	}
	state, err := s.rooms.Join(ctx, sess, key)
	if err != nil {
		sess.Logger().Error("failed to join", "room", key, "err", err)
		reject(ctx, sess, protocol.CodeUnavailable, "failed to join "+key.String())
		return
	}
	if key.IsDocument() {
		if _, err := s.presence.Upsert(ctx, key, protocol.Presence{SessionID: sess.ID(), UserID: sess.UserID()}); err != nil {
			sess.Logger().Error("failed to record presence", "room", key, "err", err)
		}
		state.Presence = s.presence.List(key)
	}
	if s.dropIfClosed(sess, key) {
		return
	}
	if err := sess.SendContext(ctx, state); err != nil {
		sess.Logger().Warn("failed to send room state", "room", key, "err", err)
		return
	}
	sess.Logger().Info("joined", "room", key, "version", state.Version)
}

func (s *Server) leave(ctx context.Context, sess *session.Session, key protocol.RoomKey) {
	if !s.rooms.IsMember(sess.ID(), key) {
		return
	}
	if key.IsDocument() {
		s.presence.Remove(ctx, key, sess.ID())
	}
	s.rooms.Leave(ctx, sess, key)
	sess.Logger().Info("left", "room", key)
}

func (s *Server) applyUpdate(ctx context.Context, sess *session.Session, m protocol.DocUpdate) {
	if !m.Room.IsDocument() {
		reject(ctx, sess, protocol.CodeMalformed, "doc-update for non-document room "+m.Room.String())
		return
	}
	if !s.rooms.IsMember(sess.ID(), m.Room) {
		reject(ctx, sess, protocol.CodeNotMember, "not a member of "+m.Room.String())
		return
	}
	up, err := s.docs.Apply(ctx, m.Room.ID, m.Delta)
	switch {
	case err == nil:
	case errors.Is(err, replica.ErrStaleDelta):
		sess.Logger().Debug("discarding stale delta", "room", m.Room)
		return
	case errors.Is(err, replica.ErrMalformedDelta):
		sess.Logger().Warn("rejecting malformed delta", "room", m.Room, "err", err)
		reject(ctx, sess, protocol.CodeMalformed, err.Error())
		return
	default:
		sess.Logger().Error("failed to apply delta", "room", m.Room, "err", err)
		reject(ctx, sess, protocol.CodeUnavailable, "failed to apply update to "+m.Room.String())
		return
	}
	s.rooms.Broadcast(ctx, m.Room, protocol.DocUpdate{Room: m.Room, Delta: up.Delta, Version: up.Version}, sess.ID())
}

func (s *Server) updatePresence(ctx context.Context, sess *session.Session, m protocol.PresenceUpdate) {
	if !m.Room.IsDocument() {
		reject(ctx, sess, protocol.CodeMalformed, "presence is only tracked in document rooms")
		return
	}
	if !s.rooms.IsMember(sess.ID(), m.Room) {
		reject(ctx, sess, protocol.CodeNotMember, "not a member of "+m.Room.String())
		return
	}
	// a session can only speak for itself
	rec := m.Record
	rec.SessionID = sess.ID()
	rec.UserID = sess.UserID()
	if _, err := s.presence.Upsert(ctx, m.Room, rec); err != nil {
		sess.Logger().Error("failed to record presence", "room", m.Room, "err", err)
	}
	s.dropIfClosed(sess, m.Room)
}

// dropIfClosed undoes membership and presence added for key by a message that was still being handled
// when the session closed. Close cancels the session context before its cleanup hooks run, so anything
// added after that cleanup is always seen here.
func (s *Server) dropIfClosed(sess *session.Session, key protocol.RoomKey) bool {
	if sess.Context().Err() == nil {
		return false
	}
	ctx := context.WithoutCancel(sess.Context())
	if key.IsDocument() {
		s.presence.Remove(ctx, key, sess.ID())
	}
	s.rooms.Leave(ctx, sess, key)
	return true
}

func (s *Server) relayEvent(ctx context.Context, sess *session.Session, m protocol.ResourceEvent) {
	if _, _, err := s.relay.Relay(ctx, relay.Origin{SessionID: sess.ID(), UserID: sess.UserID()}, m); err != nil {
		sess.Logger().Warn("rejecting resource event", "err", err)
		reject(ctx, sess, protocol.CodeMalformed, err.Error())
	}
}
