package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/roomsync/pkg/protocol"
	"github.com/astromechza/roomsync/pkg/replica"
)

type fakeMember struct {
	id      string
	err     error
	block   chan struct{}
	entered chan struct{}

	mu  sync.Mutex
	got []protocol.Message
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) SendContext(ctx context.Context, msg protocol.Message) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, msg)
	return nil
}

func (m *fakeMember) received() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.got...)
}

type fakeDocs struct {
	mu        sync.Mutex
	snapshots map[string]int
	released  []string
	err       error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{snapshots: make(map[string]int)}
}

func (d *fakeDocs) Snapshot(_ context.Context, id string) (replica.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return replica.Snapshot{}, d.err
	}
	d.snapshots[id]++
	return replica.Snapshot{DocID: id, State: []byte("state-" + id), Version: uint64(d.snapshots[id])}, nil
}

func (d *fakeDocs) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, id)
	return nil
}

func TestJoinDocumentRoomReturnsSnapshot(t *testing.T) {
	t.Parallel()

	docs := newFakeDocs()
	r := New(docs, Options{}, nil)
	a := &fakeMember{id: "a"}

	state, err := r.Join(context.Background(), a, protocol.DocumentRoom("doc-42"))
	require.NoError(t, err)
	assert.Equal(t, []byte("state-doc-42"), state.Snapshot)
	assert.Equal(t, uint64(1), state.Version)

	// rejoining is a membership no-op but resends a snapshot
	state, err = r.Join(context.Background(), a, protocol.DocumentRoom("doc-42"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Version)
	assert.Equal(t, []string{"a"}, r.Members(protocol.DocumentRoom("doc-42")))
}

func TestJoinCollectionRoomHasNoSnapshot(t *testing.T) {
	t.Parallel()

	docs := newFakeDocs()
	r := New(docs, Options{}, nil)
	key := protocol.RoomKey{Kind: protocol.KindTaskCollection, ID: "user-1"}

	state, err := r.Join(context.Background(), &fakeMember{id: "a"}, key)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoomState{Room: key}, state)
	assert.Empty(t, docs.snapshots)
}

func TestJoinRejectsInvalidRoom(t *testing.T) {
	t.Parallel()

	r := New(newFakeDocs(), Options{}, nil)
	_, err := r.Join(context.Background(), &fakeMember{id: "a"}, protocol.RoomKey{Kind: "widget", ID: "1"})
	require.ErrorIs(t, err, protocol.ErrInvalidRoomKey)
	assert.Zero(t, r.RoomCount())
}

func TestFailedSnapshotRollsBackJoin(t *testing.T) {
	t.Parallel()

	docs := newFakeDocs()
	docs.err = errors.New("store down")
	r := New(docs, Options{}, nil)

	_, err := r.Join(context.Background(), &fakeMember{id: "a"}, protocol.DocumentRoom("doc"))
	require.Error(t, err)
	assert.Zero(t, r.RoomCount())
	assert.Empty(t, r.Rooms("a"))
}

func TestMembershipMatchesJoinsMinusLeaves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))
	docs := newFakeDocs()
	r := New(docs, Options{}, nil)

	members := make([]*fakeMember, 8)
	for i := range members {
		members[i] = &fakeMember{id: fmt.Sprintf("m%d", i)}
	}
	keys := []protocol.RoomKey{
		protocol.DocumentRoom("d1"),
		protocol.DocumentRoom("d2"),
		{Kind: protocol.KindCalendarCollection, ID: "u1"},
	}

	want := make(map[protocol.RoomKey]map[string]bool)
	for step := 0; step < 500; step++ {
		m := members[rng.IntN(len(members))]
		key := keys[rng.IntN(len(keys))]
		if rng.IntN(2) == 0 {
			_, err := r.Join(ctx, m, key)
			require.NoError(t, err)
			if want[key] == nil {
				want[key] = make(map[string]bool)
			}
			want[key][m.id] = true
		} else {
			removed := r.Leave(ctx, m, key)
			assert.Equal(t, want[key][m.id], removed)
			delete(want[key], m.id)
			if len(want[key]) == 0 {
				delete(want, key)
			}
		}

		assert.Equal(t, len(want), r.RoomCount())
		for _, key := range keys {
			var ids []string
			for id := range want[key] {
				ids = append(ids, id)
			}
			assert.ElementsMatch(t, ids, r.Members(key))
		}
	}
}

func TestEmptyDocumentRoomIsReleased(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	docs := newFakeDocs()
	r := New(docs, Options{}, nil)
	a, b := &fakeMember{id: "a"}, &fakeMember{id: "b"}
	doc := protocol.DocumentRoom("doc")
	tasks := protocol.RoomKey{Kind: protocol.KindTaskCollection, ID: "u"}

	for _, m := range []*fakeMember{a, b} {
		_, err := r.Join(ctx, m, doc)
		require.NoError(t, err)
	}
	_, err := r.Join(ctx, a, tasks)
	require.NoError(t, err)

	require.True(t, r.Leave(ctx, a, doc))
	assert.Empty(t, docs.released)
	assert.False(t, r.Leave(ctx, a, doc))

	assert.Equal(t, []protocol.RoomKey{doc}, r.LeaveAll(ctx, b))
	assert.Equal(t, []string{"doc"}, docs.released)

	assert.Equal(t, []protocol.RoomKey{tasks}, r.LeaveAll(ctx, a))
	assert.Equal(t, []string{"doc"}, docs.released)
	assert.Zero(t, r.RoomCount())
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(nil, Options{}, nil)
	key := protocol.DocumentRoom("doc")
	a, b, c := &fakeMember{id: "a"}, &fakeMember{id: "b"}, &fakeMember{id: "c"}
	for _, m := range []*fakeMember{a, b, c} {
		_, err := r.Join(ctx, m, key)
		require.NoError(t, err)
	}

	msg := protocol.DocUpdate{Room: key, Delta: []byte{1}}
	res := r.Broadcast(ctx, key, msg, "a")
	assert.Equal(t, Result{Delivered: 2}, res)
	assert.Empty(t, a.received())
	assert.Equal(t, []protocol.Message{msg}, b.received())
	assert.Equal(t, []protocol.Message{msg}, c.received())
}

func TestBroadcastIsolatesFailingAndSlowMembers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(nil, Options{SendTimeout: 20 * time.Millisecond}, nil)
	key := protocol.RoomKey{Kind: protocol.KindTaskCollection, ID: "u"}
	healthy := &fakeMember{id: "healthy"}
	broken := &fakeMember{id: "broken", err: errors.New("session closed")}
	stuck := &fakeMember{id: "stuck", block: make(chan struct{})}
	defer close(stuck.block)
	for _, m := range []*fakeMember{healthy, broken, stuck} {
		_, err := r.Join(ctx, m, key)
		require.NoError(t, err)
	}

	start := time.Now()
	res := r.Broadcast(ctx, key, protocol.Error{Code: "x"}, "")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"broken", "stuck"}, res.Dropped)
	assert.Len(t, healthy.received(), 1)
}

func TestBroadcastDoesNotHoldMembershipLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(nil, Options{SendTimeout: time.Second}, nil)
	key := protocol.DocumentRoom("doc")
	stuck := &fakeMember{id: "stuck", block: make(chan struct{}), entered: make(chan struct{}, 1)}
	_, err := r.Join(ctx, stuck, key)
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- r.Broadcast(ctx, key, protocol.Error{Code: "x"}, "") }()
	<-stuck.entered

	// joins and leaves proceed while the broadcast is stuck on one member
	other := &fakeMember{id: "other"}
	_, err = r.Join(ctx, other, key)
	require.NoError(t, err)
	require.True(t, r.Leave(ctx, other, key))

	close(stuck.block)
	assert.Equal(t, 1, (<-done).Delivered)
}
