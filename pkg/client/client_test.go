package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/roomsync/pkg/backoff"
	"github.com/astromechza/roomsync/pkg/protocol"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  []protocol.Message
	deadline time.Time
	// stalled writes block until the write deadline passes, like a peer that stopped reading
	stalled bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case p := <-c.inbound:
		return websocket.BinaryMessage, p, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	stalled, deadline := c.stalled, c.deadline
	c.mu.Unlock()
	if stalled {
		var expired <-chan time.Time
		if !deadline.IsZero() {
			expired = time.After(time.Until(deadline))
		}
		select {
		case <-expired:
			return errors.New("i/o timeout")
		case <-c.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = true
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *fakeConn) sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.written...)
}

// fakeDialer hands out the queued connections in order and refuses once they run out.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) queue(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

type statusLog struct {
	mu     sync.Mutex
	events []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *statusLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.events {
		if s.Event == event {
			n++
		}
	}
	return n
}

var fastBackoff = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

func TestNotificationRingKeepsMostRecent(t *testing.T) {
	t.Parallel()

	ring := NewNotifications(0)
	for i := 0; i < 15; i++ {
		ring.Push(Notification{ID: fmt.Sprintf("n%d", i)})
	}
	list := ring.List()
	require.Len(t, list, 10)
	assert.Equal(t, "n5", list[0].ID)
	assert.Equal(t, "n14", list[9].ID)

	assert.True(t, ring.Dismiss("n7"))
	assert.False(t, ring.Dismiss("n7"))
	assert.False(t, ring.Dismiss("n0"))
	assert.Len(t, ring.List(), 9)
}

func TestRelayedEventsBecomeNotifications(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	c := New(dialer, Options{Backoff: fastBackoff})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 15; i++ {
		conn.push(t, protocol.ResourceEvent{
			Action:         protocol.KindResourceUpdated,
			Collection:     protocol.KindTaskCollection,
			ResourceID:     fmt.Sprintf("task-%d", i),
			NotificationID: fmt.Sprintf("n%d", i),
			Title:          "Task updated",
			Timestamp:      int64(i),
		})
	}
	require.Eventually(t, func() bool {
		list := c.Notifications().List()
		return len(list) == 10 && list[9].ID == "n14"
	}, time.Second, 5*time.Millisecond)

	list := c.Notifications().List()
	assert.Equal(t, "n5", list[0].ID)
	assert.Equal(t, NotifyResourceUpdated, list[0].Kind)
	assert.Equal(t, "Task updated", list[0].Title)
}

func TestDocumentUpdatesShareOneNotification(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	c := New(dialer, Options{Backoff: fastBackoff})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 9; i++ {
		conn.push(t, protocol.ResourceEvent{
			Action:         protocol.KindResourceCreated,
			Collection:     protocol.KindCalendarCollection,
			ResourceID:     fmt.Sprintf("event-%d", i),
			NotificationID: fmt.Sprintf("n%d", i),
		})
	}
	for v := 1; v <= 12; v++ {
		conn.push(t, protocol.DocUpdate{Room: protocol.DocumentRoom("doc-1"), Version: uint64(v)})
	}
	require.Eventually(t, func() bool {
		list := c.Notifications().List()
		return len(list) > 0 && list[len(list)-1].Message == "document doc-1 changed (version 12)"
	}, time.Second, 5*time.Millisecond)

	list := c.Notifications().List()
	require.Len(t, list, 10)
	assert.Equal(t, "n0", list[0].ID)
	assert.Equal(t, NotifyDocumentUpdated, list[9].Kind)
	assert.Equal(t, "document:doc-1", list[9].ID)

	assert.True(t, c.Notifications().Dismiss("document:doc-1"))
	assert.Len(t, c.Notifications().List(), 9)
}

func TestStalledWriteDoesNotBlockClose(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	c := New(dialer, Options{Backoff: fastBackoff, WriteTimeout: 50 * time.Millisecond})
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	conn.stall()
	ev := protocol.ResourceEvent{Action: protocol.KindResourceCreated, Collection: protocol.KindTaskCollection, ResourceID: "t1"}
	sent := make(chan error, 1)
	go func() { sent <- c.Send(ev) }()

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send blocked past the write timeout")
	}
	assert.Equal(t, []protocol.Message{ev}, c.Outbox())

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	log := &statusLog{}
	c := New(&fakeDialer{}, Options{OutboxSize: 3, OnStatus: log.record})
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(protocol.ResourceEvent{
			Action:     protocol.KindResourceCreated,
			Collection: protocol.KindTaskCollection,
			ResourceID: fmt.Sprintf("task-%d", i),
		}))
	}

	out := c.Outbox()
	require.Len(t, out, 3)
	assert.Equal(t, "task-2", out[0].(protocol.ResourceEvent).ResourceID)
	assert.Equal(t, "task-4", out[2].(protocol.ResourceEvent).ResourceID)
	assert.Equal(t, 2, log.count(EventDroppedOldest))
}

func TestConnectRejoinsRoomsThenFlushesOutbox(t *testing.T) {
	t.Parallel()

	doc := protocol.DocumentRoom("doc-42")
	tasks := protocol.RoomKey{Kind: protocol.KindTaskCollection, ID: "alice"}
	dialer := &fakeDialer{}
	c := New(dialer, Options{Backoff: fastBackoff})

	require.NoError(t, c.Join(doc))
	require.NoError(t, c.Join(tasks))
	require.NoError(t, c.Join(doc))
	ev := protocol.ResourceEvent{Action: protocol.KindResourceDeleted, Collection: protocol.KindTaskCollection, ResourceID: "t1"}
	require.NoError(t, c.Send(ev))
	assert.Equal(t, StateIdle, c.State())

	conn := newFakeConn()
	dialer.queue(conn)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.Message{
		protocol.JoinRoom{Room: doc},
		protocol.JoinRoom{Room: tasks},
		ev,
	}, conn.sent())
	assert.Empty(t, c.Outbox())
}

func TestReconnectsWithBackoffAndKeepsRooms(t *testing.T) {
	t.Parallel()

	doc := protocol.DocumentRoom("doc-42")
	log := &statusLog{}
	first := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(first)
	c := New(dialer, Options{Backoff: fastBackoff, OnStatus: log.record})
	require.NoError(t, c.Join(doc))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	// the connection drops and the next two dials are refused
	_ = first.Close()
	require.Eventually(t, func() bool { return log.count(EventReconnecting) >= 3 }, time.Second, time.Millisecond)
	assert.NotEqual(t, StateConnected, c.State())

	second := newFakeConn()
	dialer.queue(second)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.Message{protocol.JoinRoom{Room: doc}}, second.sent())
	assert.Equal(t, []protocol.RoomKey{doc}, c.Rooms())
}

func TestCloseDoesNotReconnect(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	c := New(dialer, Options{Backoff: fastBackoff})
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	time.Sleep(20 * time.Millisecond)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Equal(t, 1, dialer.dials)
}

func TestLeaveDropsLocalState(t *testing.T) {
	t.Parallel()

	doc := protocol.DocumentRoom("doc-1")
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(conn)
	c := New(dialer, Options{Backoff: fastBackoff})
	require.NoError(t, c.Join(doc))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	seed := seedSnapshot(t)
	conn.push(t, protocol.RoomState{Room: doc, Snapshot: seed})
	require.Eventually(t, func() bool { _, ok := c.Document("doc-1"); return ok }, time.Second, time.Millisecond)
	require.NoError(t, c.Insert("doc-1", 0, "x"))

	require.NoError(t, c.Leave(doc))
	_, ok := c.Document("doc-1")
	assert.False(t, ok)
	_, ok = c.RoomState(doc)
	assert.False(t, ok)
	require.ErrorIs(t, c.Insert("doc-1", 0, "y"), ErrNoDocument)

	sent := conn.sent()
	require.Len(t, sent, 3)
	assert.IsType(t, protocol.DocUpdate{}, sent[1])
	assert.Equal(t, protocol.LeaveRoom{Room: doc}, sent[2])
}
