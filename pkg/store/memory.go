package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory keeps compressed snapshots in a map. Contents do not survive the process.
type Memory struct {
	mu   sync.Mutex
	docs map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	content []byte
	version uint64
	updated time.Time
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Load(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	e, ok := m.docs[id]
	m.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	state, err := decompress(e.content)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load %s: %w", id, err)
	}
	return Record{ID: id, State: state, Version: e.version, UpdatedAt: e.updated}, nil
}

func (m *Memory) Save(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	content := compress(r.State)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.docs[r.ID]; ok && e.version > r.Version {
		return fmt.Errorf("failed to persist %s at version %d: %w", r.ID, r.Version, ErrStaleVersion)
	}
	m.docs[r.ID] = memoryEntry{content: content, version: r.Version, updated: m.now()}
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
