// Package replica owns the canonical, mergeable state of every open document.
//
// Each open document has exactly one Actor: a goroutine that processes snapshot, apply and evict requests
// one at a time in arrival order. Documents never share a lock, so edits to different documents proceed in
// parallel while edits to the same document are serialized. Persistence goes through a Store and is
// retried with backoff; an Actor keeps accepting edits while a periodic flush is being retried.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/roomsync/pkg/backoff"
	"github.com/astromechza/roomsync/pkg/store"
)

// ErrEvicted is returned by an actor that has been evicted or has crashed.
var ErrEvicted = errors.New("document evicted")

// Store is the durable collaborator documents are loaded from and flushed to.
type Store interface {
	Load(ctx context.Context, id string) (store.Record, error)
	Save(ctx context.Context, r store.Record) error
}

// Snapshot is the full canonical state of a document at Version.
type Snapshot struct {
	DocID   string
	State   []byte
	Version uint64
}

// Update is the result of merging a delta: the changes new to the canonical state, to be rebroadcast.
type Update struct {
	Delta   []byte
	Version uint64
}

// FlushPolicy controls when and how hard documents are persisted.
type FlushPolicy struct {
	// Interval between periodic flushes of dirty documents.
	Interval time.Duration
	// EveryVersions triggers an asynchronous flush once this many versions are unflushed; 0 disables it.
	EveryVersions uint64
	// Attempts bounds the tries for a single flush.
	Attempts int
	// Backoff spaces the attempts.
	Backoff backoff.Policy
	// EvictTimeout bounds an eviction, including its final flush.
	EvictTimeout time.Duration
}

// DefaultFlushPolicy flushes every five seconds, or every fifty versions, whichever comes first.
var DefaultFlushPolicy = FlushPolicy{
	Interval:      5 * time.Second,
	EveryVersions: 50,
	Attempts:      5,
	Backoff:       backoff.Policy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.1},
	EvictTimeout:  30 * time.Second,
}

type Actor struct {
	id     string
	store  Store
	policy FlushPolicy
	logger *slog.Logger

	ops  chan func() bool
	done chan struct{}

	// flushMu serializes persistence so an older snapshot never lands after a newer one.
	flushMu  sync.Mutex
	flushing atomic.Bool
	bg       context.Context

	// owned by the loop goroutine
	doc     *automerge.Doc
	version uint64
	flushed uint64
}

// hydrate loads a document from the store, or seeds and persists a new one, and starts its actor.
func hydrate(ctx context.Context, bg context.Context, id string, st Store, policy FlushPolicy, logger *slog.Logger) (*Actor, error) {
	a := &Actor{
		id:     id,
		store:  st,
		policy: policy,
		logger: logger.With("doc", id),
		ops:    make(chan func() bool),
		done:   make(chan struct{}),
		bg:     bg,
	}

	rec, err := st.Load(ctx, id)
	switch {
	case err == nil:
		if a.doc, err = automerge.Load(rec.State); err != nil {
			return nil, fmt.Errorf("failed to load doc %s: %w", id, err)
		}
		a.version = rec.Version
		a.doc.SaveIncremental()
	case errors.Is(err, store.ErrNotFound):
		if a.doc, err = NewDocument(); err != nil {
			return nil, err
		}
		// the seed is persisted straight away so that every later hydration shares it
		if err := st.Save(ctx, store.Record{ID: id, State: a.doc.Save(), Version: 0}); err != nil {
			return nil, fmt.Errorf("failed to persist seed for %s: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("failed to load doc %s: %w", id, err)
	}
	a.flushed = a.version

	go a.loop()
	a.logger.Info("hydrated", "version", a.version)
	return a, nil
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) Alive() bool {
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

func (a *Actor) loop() {
	defer close(a.done)
	for op := range a.ops {
		if a.run(op) {
			return
		}
	}
}

func (a *Actor) run(op func() bool) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("document actor crashed, treating as evicted", "panic", r, "version", a.version, "flushed", a.flushed)
			stop = true
		}
	}()
	return op()
}

// do runs fn on the actor's goroutine and waits for its result.
func (a *Actor) do(ctx context.Context, fn func() (stop bool, err error)) error {
	reply := make(chan error, 1)
	op := func() bool {
		stop, err := fn()
		reply <- err
		return stop
	}
	select {
	case a.ops <- op:
	case <-a.done:
		return ErrEvicted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEvicted
		}
	}
}

// Snapshot returns the full canonical state.
func (a *Actor) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := a.do(ctx, func() (bool, error) {
		snap = a.snapshot()
		return false, nil
	})
	return snap, err
}

func (a *Actor) snapshot() Snapshot {
	return Snapshot{DocID: a.id, State: a.doc.Save(), Version: a.version}
}

// Apply merges delta into the canonical state. Malformed deltas are rejected with ErrMalformedDelta and
// leave the state untouched; deltas that add nothing new return ErrStaleDelta and leave the version as is.
func (a *Actor) Apply(ctx context.Context, delta []byte) (Update, error) {
	var up Update
	err := a.do(ctx, func() (bool, error) {
		if err := validateDelta(a.doc, delta); err != nil {
			return false, err
		}
		if err := a.doc.LoadIncremental(delta); err != nil {
			return false, fmt.Errorf("%w: %s", ErrMalformedDelta, err)
		}
		merged := a.doc.SaveIncremental()
		if len(merged) == 0 {
			return false, ErrStaleDelta
		}
		a.version++
		up = Update{Delta: merged, Version: a.version}
		if a.policy.EveryVersions > 0 && a.version-a.flushed >= a.policy.EveryVersions {
			a.flushAsync()
		}
		return false, nil
	})
	return up, err
}

func (a *Actor) flushAsync() {
	if !a.flushing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.flushing.Store(false)
		if err := a.Flush(a.bg); err != nil && !errors.Is(err, ErrEvicted) {
			a.logger.Error("failed to flush", "err", err)
		}
	}()
}

// Flush persists the state if it changed since the last flush. Retries happen off the actor goroutine so
// edits keep being accepted.
func (a *Actor) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	var snap Snapshot
	dirty := false
	if err := a.do(ctx, func() (bool, error) {
		if a.version != a.flushed {
			dirty = true
			snap = a.snapshot()
		}
		return false, nil
	}); err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := a.persist(ctx, snap); err != nil {
		return err
	}
	return a.do(ctx, func() (bool, error) {
		if snap.Version > a.flushed {
			a.flushed = snap.Version
		}
		return false, nil
	})
}

// Evict performs a final flush and stops the actor. The actor stops even when the flush exhausts its
// attempts; the returned error then reports the lost versions.
func (a *Actor) Evict(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	var flushErr error
	err := a.do(ctx, func() (bool, error) {
		if a.version != a.flushed {
			snap := a.snapshot()
			if flushErr = a.persist(ctx, snap); flushErr == nil {
				a.flushed = snap.Version
			} else {
				flushErr = fmt.Errorf("evicted %s losing versions %d..%d: %w", a.id, a.flushed+1, a.version, flushErr)
			}
		}
		a.logger.Info("evicted", "version", a.version)
		return true, nil
	})
	if err != nil {
		return err
	}
	return flushErr
}

func (a *Actor) persist(ctx context.Context, snap Snapshot) error {
	return backoff.Retry(ctx, a.policy.Backoff, a.policy.Attempts, func(ctx context.Context) error {
		err := a.store.Save(ctx, store.Record{ID: snap.DocID, State: snap.State, Version: snap.Version})
		if errors.Is(err, store.ErrStaleVersion) {
			a.logger.Warn("store holds a newer version, skipping flush", "version", snap.Version)
			return nil
		}
		return err
	}, func(attempt int, err error) {
		a.logger.Warn("flush failed, retrying", "attempt", attempt, "version", snap.Version, "err", err)
	})
}
