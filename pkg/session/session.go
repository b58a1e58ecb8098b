// Package session wraps one physical websocket connection as a typed, ordered message stream.
//
// A Session owns two goroutines: the dispatcher loop started by Run, which reads and decodes frames and hands
// them to the handler strictly in order, and a writer that drains the bounded outbound queue. Close is safe
// to call from any goroutine any number of times; the registered OnClose hooks run exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/roomsync/pkg/protocol"
)

var (
	ErrClosed    = errors.New("session closed")
	ErrQueueFull = errors.New("session send queue full")
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler processes one inbound message. It runs on the session's dispatcher loop.
type Handler func(ctx context.Context, s *Session, msg protocol.Message)

type Options struct {
	// QueueSize bounds the outbound queue.
	QueueSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// RateLimit is the sustained inbound messages per second; 0 disables limiting. Messages over the limit
	// are delayed, never dropped.
	RateLimit float64
	RateBurst int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 32
	}
	return o
}

type Session struct {
	id     string
	userID string
	conn   Conn
	opts   Options
	logger *slog.Logger

	out     chan []byte
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	hooksMu   sync.Mutex
	hooks     []func(*Session)
	done      chan struct{}
}

// New creates a session for an already identified user. The session is idle until Run is called.
func New(conn Conn, userID string, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		opts:   opts,
		logger: logger.With("session", id, "user", userID),
		out:    make(chan []byte, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Logger carries the session and user attributes.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// OnClose registers a hook run once when the session closes. Hooks registered after close run immediately.
func (s *Session) OnClose(fn func(*Session)) {
	s.hooksMu.Lock()
	if s.Alive() {
		s.hooks = append(s.hooks, fn)
		s.hooksMu.Unlock()
		return
	}
	s.hooksMu.Unlock()
	fn(s)
}

// Send enqueues msg without blocking.
func (s *Session) Send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !s.Alive() {
		return ErrClosed
	}
	select {
	case s.out <- raw:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// SendContext enqueues msg, waiting for queue space until ctx is done.
func (s *Session) SendContext(ctx context.Context, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !s.Alive() {
		return ErrClosed
	}
	select {
	case s.out <- raw:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue %s: %w", msg.Kind(), ctx.Err())
	}
}

// Run starts the writer and runs the dispatcher loop until the connection fails, ctx is done or the
// session is closed. The session is always closed when Run returns.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { s.Close(ctx.Err()) })
	defer stop()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	defer wg.Wait()

	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || !s.Alive() {
				s.Close(nil)
			} else {
				s.Close(fmt.Errorf("failed to read message: %w", err))
			}
			return s.closeErr
		}
		if mt != websocket.BinaryMessage {
			s.logger.Warn("ignoring non-binary frame", "type", mt)
			continue
		}
		msg, err := protocol.Decode(p)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "err", err)
			_ = s.Send(protocol.Error{Code: protocol.CodeMalformed, Message: err.Error()})
			continue
		}
		// over the limit the reader stalls instead of dropping; later deltas depend on earlier ones
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				s.Close(nil)
				return s.closeErr
			}
		}
		handler(s.ctx, s, msg)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case raw := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				s.Close(fmt.Errorf("failed to write message: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close tears the session down. Only the first call has any effect; its cause is kept as the session's
// close error.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		s.hooksMu.Lock()
		close(s.done)
		hooks := s.hooks
		s.hooks = nil
		s.hooksMu.Unlock()

		s.cancel()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "err", err)
		}
		if cause != nil {
			s.logger.Info("session closed", "cause", cause)
		} else {
			s.logger.Info("session closed")
		}
		for _, hook := range hooks {
			hook(s)
		}
	})
}
