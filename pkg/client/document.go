package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/roomsync/pkg/replica"
)

var ErrNoDocument = errors.New("document not joined")

// Document is the client's local replica of a synced document. Local edits return the delta to send to the
// server; remote deltas and snapshots are merged in.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// LoadDocument starts a local replica from a room-state snapshot.
func LoadDocument(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	doc.SaveIncremental()
	return &Document{doc: doc}, nil
}

// MergeSnapshot merges a fresh snapshot into the replica, keeping local changes the snapshot lacks.
func (d *Document) MergeSnapshot(snapshot []byte) error {
	other, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.doc.Merge(other); err != nil {
		return fmt.Errorf("failed to merge snapshot: %w", err)
	}
	return nil
}

// Apply merges a remote delta.
func (d *Document) Apply(delta []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %s", replica.ErrMalformedDelta, err)
	}
	return nil
}

// Insert inserts s at pos and returns the delta of every change not yet handed out.
func (d *Document) Insert(pos int, s string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.Path(replica.ContentPath).Text().Insert(pos, s); err != nil {
		return nil, fmt.Errorf("failed to insert: %w", err)
	}
	return d.doc.SaveIncremental(), nil
}

// Append inserts s at the end of the text and returns the delta.
func (d *Document) Append(s string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text := d.doc.Path(replica.ContentPath).Text()
	if err := text.Insert(text.Len(), s); err != nil {
		return nil, fmt.Errorf("failed to append: %w", err)
	}
	return d.doc.SaveIncremental(), nil
}

// Delete removes n characters at pos and returns the delta.
func (d *Document) Delete(pos, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.Path(replica.ContentPath).Text().Delete(pos, n); err != nil {
		return nil, fmt.Errorf("failed to delete: %w", err)
	}
	return d.doc.SaveIncremental(), nil
}

func (d *Document) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return replica.Text(d.doc)
}

// Save returns the full state. It is also a valid delta for resynchronizing with the server.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}
