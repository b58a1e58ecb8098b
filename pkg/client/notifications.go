package client

import (
	"sync"
	"time"
)

// NotificationKind mirrors the resource event kinds, plus remote document edits.
type NotificationKind string

const (
	NotifyResourceCreated NotificationKind = "resource-created"
	NotifyResourceUpdated NotificationKind = "resource-updated"
	NotifyResourceDeleted NotificationKind = "resource-deleted"
	NotifyDocumentUpdated NotificationKind = "document-updated"
)

// DefaultNotificationLimit is how many notifications are kept.
const DefaultNotificationLimit = 10

type Notification struct {
	ID        string
	Kind      NotificationKind
	Title     string
	Message   string
	Payload   []byte
	Timestamp time.Time
}

// Notifications is a bounded ring; pushing past the limit drops the oldest entry.
type Notifications struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

func NewNotifications(limit int) *Notifications {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	return &Notifications{limit: limit}
}

func (n *Notifications) Push(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.items) >= n.limit {
		n.items = append(n.items[:0], n.items[len(n.items)-n.limit+1:]...)
	}
	n.items = append(n.items, note)
}

// Replace pushes note after removing any entry with the same id, so repeated updates of one subject keep a
// single, newest entry.
func (n *Notifications) Replace(note Notification) {
	n.mu.Lock()
	for i, item := range n.items {
		if item.ID == note.ID {
			n.items = append(n.items[:i], n.items[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	n.Push(note)
}

// Dismiss removes the notification with the id and reports whether it was there.
func (n *Notifications) Dismiss(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, note := range n.items {
		if note.ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return true
		}
	}
	return false
}

// List returns the notifications oldest first.
func (n *Notifications) List() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.items...)
}
