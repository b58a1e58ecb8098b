// Package server is the HTTP front door of the sync engine: it identifies callers, upgrades them to
// websocket sessions and dispatches their messages to the registry, the document replicas, presence and the
// resource relay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/roomsync/pkg/auth"
	"github.com/astromechza/roomsync/pkg/presence"
	"github.com/astromechza/roomsync/pkg/registry"
	"github.com/astromechza/roomsync/pkg/relay"
	"github.com/astromechza/roomsync/pkg/replica"
	"github.com/astromechza/roomsync/pkg/session"
	"github.com/astromechza/roomsync/pkg/store"
)

type Options struct {
	Session  session.Options
	Registry registry.Options
	// CheckOrigin overrides the websocket same-origin check.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	ident    auth.Identifier
	docs     *replica.Manager
	store    replica.Store
	rooms    *registry.Registry
	presence *presence.Tracker
	relay    *relay.Relay
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

func New(ident auth.Identifier, docs *replica.Manager, st replica.Store, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	rooms := registry.New(docs, opts.Registry, logger.With("component", "registry"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ident:    ident,
		docs:     docs,
		store:    st,
		rooms:    rooms,
		presence: presence.New(rooms, logger.With("component", "presence")),
		relay:    relay.New(rooms, logger.With("component", "relay")),
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
}

// Handler returns the router with access logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.serveSync)
	r.Methods(http.MethodGet).Path("/documents/{id}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.getHealth)
	return r
}

func (s *Server) serveSync(writer http.ResponseWriter, request *http.Request) {
	user, err := s.ident.Identify(request)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade", "user", user, "err", err)
		return
	}
	sess := session.New(conn, user, s.opts.Session, s.logger)
	if !s.attach(sess) {
		sess.Close(errors.New("server shutting down"))
		return
	}
	if err := sess.Run(s.ctx, s.dispatch); err != nil {
		s.logger.Info("session ended", "session", sess.ID(), "err", err)
	}
}

// attach tracks the session and arranges for its rooms and presence to be cleaned up exactly once when it
// closes, whichever way it closes.
func (s *Server) attach(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	sess.OnClose(func(sess *session.Session) {
		defer s.wg.Done()
		ctx := context.WithoutCancel(sess.Context())
		s.presence.Expire(ctx, sess.ID())
		s.rooms.LeaveAll(ctx, sess)
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	})
	s.logger.Info("session opened", "session", sess.ID(), "user", sess.UserID())
	return true
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	var state []byte
	if s.docs.IsOpen(id) {
		snap, err := s.docs.Snapshot(request.Context(), id)
		if err != nil {
			s.logger.Error("failed to snapshot", "doc", id, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		state = snap.State
	} else {
		rec, err := s.store.Load(request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			s.logger.Error("failed to load", "doc", id, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		state = rec.State
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(state); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

// Stats is the health report.
type Stats struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Rooms     int    `json:"rooms"`
	Documents int    `json:"documents"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()
	status := "ok"
	if s.ctx.Err() != nil {
		status = "shutting-down"
	}
	return Stats{Status: status, Sessions: sessions, Rooms: s.rooms.RoomCount(), Documents: len(s.docs.Open())}
}

func (s *Server) getHealth(writer http.ResponseWriter, _ *http.Request) {
	stats := s.Stats()
	writer.Header().Add("Content-Type", "application/json")
	if stats.Status != "ok" {
		writer.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(writer).Encode(stats); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

// Close closes every session and waits for their cleanup, which releases their document rooms. Documents are
// not flushed here; that is the manager's Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(errors.New("server shutting down"))
	}
	s.wg.Wait()
}
