package replica

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager hydrates actors on demand and routes requests to them. Its map lock is never held across I/O:
// hydration of one document does not hold up requests for any other.
type Manager struct {
	store  Store
	policy FlushPolicy
	logger *slog.Logger

	bg     context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready chan struct{}
	actor *Actor
	err   error
}

func NewManager(st Store, policy FlushPolicy, logger *slog.Logger) *Manager {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultFlushPolicy.Attempts
	}
	if policy.EvictTimeout <= 0 {
		policy.EvictTimeout = DefaultFlushPolicy.EvictTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   st,
		policy:  policy,
		logger:  logger,
		bg:      bg,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) actor(ctx context.Context, id string) (*Actor, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[id]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			m.entries[id] = e
			m.mu.Unlock()

			e.actor, e.err = hydrate(ctx, m.bg, id, m.store, m.policy, m.logger)
			if e.err != nil {
				m.mu.Lock()
				if m.entries[id] == e {
					delete(m.entries, id)
				}
				m.mu.Unlock()
			}
			close(e.ready)
			return e.actor, e.err
		}
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if !e.actor.Alive() {
			m.forget(id, e.actor)
			continue
		}
		return e.actor, nil
	}
}

func (m *Manager) forget(id string, a *Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.actor == a {
		delete(m.entries, id)
	}
}

// withActor runs fn against the document's live actor. An actor found evicted mid-request is replaced by a
// freshly hydrated one and fn is retried.
func (m *Manager) withActor(ctx context.Context, id string, fn func(*Actor) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var a *Actor
		if a, err = m.actor(ctx, id); err != nil {
			return err
		}
		if err = fn(a); !errors.Is(err, ErrEvicted) {
			return err
		}
		m.forget(id, a)
	}
	return err
}

// Snapshot returns the document's canonical state, hydrating it if needed.
func (m *Manager) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	err := m.withActor(ctx, id, func(a *Actor) error {
		var err error
		snap, err = a.Snapshot(ctx)
		return err
	})
	return snap, err
}

// Apply merges delta into the document.
func (m *Manager) Apply(ctx context.Context, id string, delta []byte) (Update, error) {
	var up Update
	err := m.withActor(ctx, id, func(a *Actor) error {
		var err error
		up, err = a.Apply(ctx, delta)
		return err
	})
	return up, err
}

// Release flushes and evicts the document if it is live. It is bounded by the eviction timeout and is not
// cancelled with ctx, because it is usually called from the cleanup of a session whose context is done.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.ready
	if e.err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.policy.EvictTimeout)
	defer cancel()
	err := e.actor.Evict(ctx)
	m.forget(id, e.actor)
	if errors.Is(err, ErrEvicted) {
		return nil
	}
	return err
}

// Open returns the ids of the live documents.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		select {
		case <-e.ready:
			if e.actor != nil && e.actor.Alive() {
				ids = append(ids, id)
			}
		default:
		}
	}
	sort.Strings(ids)
	return ids
}

// IsOpen reports whether the document has a live actor.
func (m *Manager) IsOpen(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-e.ready:
		return e.actor != nil && e.actor.Alive()
	default:
		return true
	}
}

func (m *Manager) live() []*Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Actor, 0, len(m.entries))
	for _, e := range m.entries {
		select {
		case <-e.ready:
			if e.actor != nil {
				out = append(out, e.actor)
			}
		default:
		}
	}
	return out
}

// FlushAll flushes every dirty live document concurrently and returns the errors joined.
func (m *Manager) FlushAll(ctx context.Context) error {
	actors := m.live()
	errs := make([]error, len(actors))
	wg := new(sync.WaitGroup)
	for i, a := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Flush(ctx); err != nil && !errors.Is(err, ErrEvicted) {
				m.logger.Error("failed to flush", "doc", a.ID(), "err", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Run flushes dirty documents every policy interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.policy.Interval
	if interval <= 0 {
		interval = DefaultFlushPolicy.Interval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = m.FlushAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown evicts every live document, flushing it first, and stops background flushes.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, a := range m.live() {
		if err := a.Evict(ctx); err != nil && !errors.Is(err, ErrEvicted) {
			errs = append(errs, err)
		}
		m.forget(a.ID(), a)
	}
	m.cancel()
	return errors.Join(errs...)
}
