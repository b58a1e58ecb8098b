// Package client is the connection side of the sync protocol: a reconnecting session that keeps the rooms it
// holds joined, buffers messages while offline and keeps local replicas of joined documents.
//
// The connection moves through idle, connecting, connected, disconnected and error. An explicit Close is the
// only way into disconnected; any other loss of the connection goes through error and back to connecting
// after an exponential backoff, with held rooms re-joined as soon as the connection is back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/roomsync/pkg/backoff"
	"github.com/astromechza/roomsync/pkg/protocol"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Status events reported through Options.OnStatus.
const (
	EventState         = "state"
	EventReconnecting  = "reconnecting"
	EventDroppedOldest = "dropped-oldest"
)

type Status struct {
	Event string
	State State
	// Attempt is the reconnect attempt, starting at 1.
	Attempt int
	Err     error
	// Dropped is the outbox message discarded by a dropped-oldest event.
	Dropped protocol.Message
}

var ErrAlreadyStarted = errors.New("client already started")

// Conn is the subset of *websocket.Conn the client needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the server's /sync endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	return conn, nil
}

type Options struct {
	// OutboxSize bounds the messages buffered while not connected.
	OutboxSize int
	Backoff    backoff.Policy
	// WriteTimeout bounds a single frame write, so a stalled peer cannot hold the client lock.
	WriteTimeout time.Duration
	// OnStatus is called for state changes, reconnect attempts and outbox overflow.
	OnStatus func(Status)
	// OnMessage is called for every message received, after the client has processed it.
	OnMessage func(protocol.Message)
	// NotificationLimit bounds the notification ring.
	NotificationLimit int
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = backoff.Policy{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Client struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger
	notes  *Notifications

	mu       sync.Mutex
	state    State
	conn     Conn
	closed   bool
	rooms    []protocol.RoomKey
	outbox   []protocol.Message
	states   map[protocol.RoomKey]protocol.RoomState
	docs     map[string]*Document
	resync   map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
	statusMu sync.Mutex
}

func New(dialer Dialer, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger,
		notes:  NewNotifications(opts.NotificationLimit),
		state:  StateIdle,
		states: make(map[protocol.RoomKey]protocol.RoomState),
		docs:   make(map[string]*Document),
		resync: make(map[string]bool),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Notifications() *Notifications { return c.notes }

// RoomState returns the latest room-state received for the room.
func (c *Client) RoomState(key protocol.RoomKey) (protocol.RoomState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[key]
	return s, ok
}

// Document returns the local replica of a joined document.
func (c *Client) Document(id string) (*Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[id]
	return d, ok
}

// Rooms returns the rooms the client holds, in join order.
func (c *Client) Rooms() []protocol.RoomKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.RoomKey(nil), c.rooms...)
}

// Outbox returns the messages waiting for a connection.
func (c *Client) Outbox() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.outbox...)
}

func (c *Client) emit(s Status) {
	if c.opts.OnStatus == nil {
		return
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.opts.OnStatus(s)
}

// setState must be called with c.mu held. It returns the status to emit once the lock is released.
func (c *Client) setState(s State, err error) Status {
	c.state = s
	return Status{Event: EventState, State: s, Err: err}
}

// Start moves the client from idle to connecting and keeps it connected until Close or until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	st := c.setState(StateConnecting, nil)
	c.mu.Unlock()
	c.emit(st)

	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
	return nil
}

// Close is an explicit logout: the connection is closed and not re-established.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn = nil
	st := c.setState(StateDisconnected, nil)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	c.emit(st)
	return err
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		conn, err := c.dialer.Dial(ctx)
		if err == nil {
			attempt = 0
			err = c.serve(ctx, conn)
		}
		c.mu.Lock()
		if c.closed || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		errSt := c.setState(StateError, err)
		c.mu.Unlock()
		c.emit(errSt)

		attempt++
		c.logger.Warn("connection lost, reconnecting", "attempt", attempt, "err", err)
		c.emit(Status{Event: EventReconnecting, State: StateError, Attempt: attempt, Err: err})
		if err := c.opts.Backoff.Wait(ctx, attempt-1); err != nil {
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		st := c.setState(StateConnecting, nil)
		c.mu.Unlock()
		c.emit(st)
	}
}

// serve re-joins held rooms, flushes the outbox and then reads until the connection fails.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	pending := make([]protocol.Message, 0, len(c.rooms)+len(c.resync)+len(c.outbox))
	for _, key := range c.rooms {
		pending = append(pending, protocol.JoinRoom{Room: key})
	}
	for id := range c.resync {
		if d, ok := c.docs[id]; ok {
			pending = append(pending, protocol.DocUpdate{Room: protocol.DocumentRoom(id), Delta: d.Save()})
		}
	}
	pending = append(pending, c.outbox...)
	for i, msg := range pending {
		if err := c.write(conn, msg); err != nil {
			// whatever was not written goes back into the outbox for the next connection
			c.outbox = c.outbox[:0]
			for _, m := range pending[i:] {
				if _, ok := m.(protocol.JoinRoom); !ok {
					c.outbox = append(c.outbox, m)
				}
			}
			c.mu.Unlock()
			_ = conn.Close()
			return err
		}
	}
	c.outbox = nil
	c.resync = make(map[string]bool)
	c.conn = conn
	st := c.setState(StateConnected, nil)
	c.mu.Unlock()
	c.emit(st)
	c.logger.Info("connected", "rooms", len(c.rooms))

	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(p)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "err", err)
			continue
		}
		c.receive(msg)
	}
}

func (c *Client) write(conn Conn, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Kind(), err)
	}
	return nil
}

func (c *Client) receive(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RoomState:
		c.mu.Lock()
		c.states[m.Room] = m
		if m.Room.IsDocument() && len(m.Snapshot) > 0 {
			if d, ok := c.docs[m.Room.ID]; ok {
				if err := d.MergeSnapshot(m.Snapshot); err != nil {
					c.logger.Error("failed to merge snapshot", "room", m.Room, "err", err)
				}
			} else if d, err := LoadDocument(m.Snapshot); err != nil {
				c.logger.Error("failed to load snapshot", "room", m.Room, "err", err)
			} else {
				c.docs[m.Room.ID] = d
			}
		}
		c.mu.Unlock()
	case protocol.DocUpdate:
		if d, ok := c.Document(m.Room.ID); ok {
			if err := d.Apply(m.Delta); err != nil {
				c.logger.Error("failed to apply remote delta", "room", m.Room, "err", err)
			}
		}
		// one entry per document, so a busy editor cannot push everything else out of the ring
		c.notes.Replace(Notification{
			ID:        m.Room.String(),
			Kind:      NotifyDocumentUpdated,
			Title:     "Document updated",
			Message:   fmt.Sprintf("document %s changed (version %d)", m.Room.ID, m.Version),
			Timestamp: time.Now(),
		})
	case protocol.ResourceEvent:
		c.notes.Push(Notification{
			ID:        m.NotificationID,
			Kind:      NotificationKind(m.Action),
			Title:     m.Title,
			Message:   m.Message,
			Payload:   m.Payload,
			Timestamp: time.UnixMilli(m.Timestamp),
		})
	case protocol.Error:
		c.logger.Warn("server rejected a message", "code", m.Code, "message", m.Message)
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

// Send writes msg if connected, otherwise queues it in the outbox. A full outbox drops its oldest message.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.state == StateConnected && c.conn != nil {
		err := c.write(c.conn, msg)
		if err == nil {
			c.mu.Unlock()
			return nil
		}
		// the read loop notices the broken connection and reconnects
		c.logger.Warn("write failed, queueing", "kind", msg.Kind(), "err", err)
	}
	dropped := c.enqueue(msg)
	c.mu.Unlock()
	if dropped != nil {
		c.logger.Warn("outbox full, dropped oldest message", "kind", dropped.Kind())
		c.emit(Status{Event: EventDroppedOldest, State: c.State(), Dropped: dropped})
	}
	return nil
}

// enqueue must be called with c.mu held.
func (c *Client) enqueue(msg protocol.Message) protocol.Message {
	var dropped protocol.Message
	if len(c.outbox) >= c.opts.OutboxSize {
		dropped = c.outbox[0]
		c.outbox = append(c.outbox[:0], c.outbox[1:]...)
		// a lost delta leaves later ones with missing dependencies, so the whole state is resent instead
		if up, ok := dropped.(protocol.DocUpdate); ok {
			c.resync[up.Room.ID] = true
		}
	}
	c.outbox = append(c.outbox, msg)
	return dropped
}

// Join holds the room: it is joined now if connected and re-joined after every reconnect.
func (c *Client) Join(key protocol.RoomKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	for _, held := range c.rooms {
		if held == key {
			c.mu.Unlock()
			return c.sendIfConnected(protocol.JoinRoom{Room: key})
		}
	}
	c.rooms = append(c.rooms, key)
	c.mu.Unlock()
	return c.sendIfConnected(protocol.JoinRoom{Room: key})
}

// Leave stops holding the room and drops its local state.
func (c *Client) Leave(key protocol.RoomKey) error {
	c.mu.Lock()
	for i, held := range c.rooms {
		if held == key {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			break
		}
	}
	delete(c.states, key)
	if key.IsDocument() {
		delete(c.docs, key.ID)
		delete(c.resync, key.ID)
	}
	c.mu.Unlock()
	return c.sendIfConnected(protocol.LeaveRoom{Room: key})
}

// sendIfConnected writes membership changes only when connected; held rooms are replayed on connect anyway.
func (c *Client) sendIfConnected(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return nil
	}
	return c.write(c.conn, msg)
}

// Insert edits the local replica of a joined document and sends the change.
func (c *Client) Insert(docID string, pos int, s string) error {
	d, ok := c.Document(docID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDocument, docID)
	}
	delta, err := d.Insert(pos, s)
	if err != nil {
		return err
	}
	return c.Send(protocol.DocUpdate{Room: protocol.DocumentRoom(docID), Delta: delta})
}

// UpdatePresence publishes the client's cursor in a document room.
func (c *Client) UpdatePresence(docID string, cursor []byte) error {
	return c.Send(protocol.PresenceUpdate{Room: protocol.DocumentRoom(docID), Record: protocol.Presence{Cursor: cursor}})
}
