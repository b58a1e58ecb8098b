// Package registry maps room keys to their live member sessions and fans messages out to them.
//
// Membership changes take a short-held lock. Broadcast copies the member list under that lock and delivers
// outside it, so a slow member never blocks joins, leaves or other rooms.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/astromechza/roomsync/pkg/protocol"
	"github.com/astromechza/roomsync/pkg/replica"
)

// Member is a session as seen by the registry. Membership does not own the session.
type Member interface {
	ID() string
	SendContext(ctx context.Context, msg protocol.Message) error
}

// Documents serves document snapshots for joins and is told when a document room empties.
type Documents interface {
	Snapshot(ctx context.Context, docID string) (replica.Snapshot, error)
	Release(ctx context.Context, docID string) error
}

type Options struct {
	// SendTimeout bounds delivery to a single member during a broadcast.
	SendTimeout time.Duration
	// FanOut bounds the goroutines used by a single broadcast.
	FanOut int
}

// Result reports the outcome of a broadcast.
type Result struct {
	Delivered int
	Dropped   []string
}

type Registry struct {
	docs   Documents
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	rooms    map[protocol.RoomKey]map[string]Member
	byMember map[string]map[protocol.RoomKey]struct{}
}

func New(docs Documents, opts Options, logger *slog.Logger) *Registry {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	if opts.FanOut <= 0 {
		opts.FanOut = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		docs:     docs,
		opts:     opts,
		logger:   logger,
		rooms:    make(map[protocol.RoomKey]map[string]Member),
		byMember: make(map[string]map[protocol.RoomKey]struct{}),
	}
}

// Join adds m to the room and returns the room state to send back. Joining a room twice is a no-op apart
// from producing a fresh snapshot.
func (r *Registry) Join(ctx context.Context, m Member, key protocol.RoomKey) (protocol.RoomState, error) {
	if err := key.Validate(); err != nil {
		return protocol.RoomState{}, err
	}
	added := r.add(m, key)

	state := protocol.RoomState{Room: key}
	if !key.IsDocument() || r.docs == nil {
		return state, nil
	}
	snap, err := r.docs.Snapshot(ctx, key.ID)
	if err != nil {
		if added {
			r.Leave(ctx, m, key)
		}
		return protocol.RoomState{}, fmt.Errorf("failed to snapshot %s: %w", key, err)
	}
	state.Snapshot = snap.State
	state.Version = snap.Version
	return state, nil
}

func (r *Registry) add(m Member, key protocol.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]Member)
		r.rooms[key] = members
	}
	if _, ok := members[m.ID()]; ok {
		return false
	}
	members[m.ID()] = m
	joined, ok := r.byMember[m.ID()]
	if !ok {
		joined = make(map[protocol.RoomKey]struct{})
		r.byMember[m.ID()] = joined
	}
	joined[key] = struct{}{}
	return true
}

// remove drops the membership and reports whether it existed and whether the room is now gone.
func (r *Registry) remove(memberID string, key protocol.RoomKey) (removed bool, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[key]
	if !ok {
		return false, false
	}
	if _, ok := members[memberID]; !ok {
		return false, false
	}
	delete(members, memberID)
	if joined, ok := r.byMember[memberID]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(r.byMember, memberID)
		}
	}
	if len(members) == 0 {
		delete(r.rooms, key)
		return true, true
	}
	return true, false
}

// Leave removes m from the room. It reports whether m was a member.
func (r *Registry) Leave(ctx context.Context, m Member, key protocol.RoomKey) bool {
	removed, emptied := r.remove(m.ID(), key)
	if emptied {
		r.release(ctx, key)
	}
	return removed
}

// LeaveAll removes m from every room and returns the rooms it was in.
func (r *Registry) LeaveAll(ctx context.Context, m Member) []protocol.RoomKey {
	keys := r.Rooms(m.ID())
	for _, key := range keys {
		r.Leave(ctx, m, key)
	}
	return keys
}

func (r *Registry) release(ctx context.Context, key protocol.RoomKey) {
	if !key.IsDocument() || r.docs == nil {
		return
	}
	if err := r.docs.Release(ctx, key.ID); err != nil {
		r.logger.Error("failed to release document", "room", key, "err", err)
	}
}

// Broadcast delivers msg to every member of the room except excludeID. Each member gets at most
// SendTimeout; failures are logged and reported but never stop delivery to the others.
func (r *Registry) Broadcast(ctx context.Context, key protocol.RoomKey, msg protocol.Message, excludeID string) Result {
	r.mu.Lock()
	targets := make([]Member, 0, len(r.rooms[key]))
	for id, m := range r.rooms[key] {
		if id != excludeID {
			targets = append(targets, m)
		}
	}
	r.mu.Unlock()

	var res Result
	if len(targets) == 0 {
		return res
	}

	var resMu sync.Mutex
	p := pool.New().WithMaxGoroutines(r.opts.FanOut)
	for _, m := range targets {
		p.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
			defer cancel()
			err := m.SendContext(sendCtx, msg)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				r.logger.Warn("dropping broadcast to member", "room", key, "member", m.ID(), "kind", msg.Kind(), "err", err)
				res.Dropped = append(res.Dropped, m.ID())
				return
			}
			res.Delivered++
		})
	}
	p.Wait()
	sort.Strings(res.Dropped)
	return res
}

// IsMember reports whether the member is in the room.
func (r *Registry) IsMember(memberID string, key protocol.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[key][memberID]
	return ok
}

// Members returns the sorted member ids of a room.
func (r *Registry) Members(key protocol.RoomKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[key]))
	for id := range r.rooms[key] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms returns the rooms a member is in, sorted by key.
func (r *Registry) Rooms(memberID string) []protocol.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.RoomKey, 0, len(r.byMember[memberID]))
	for key := range r.byMember[memberID] {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
