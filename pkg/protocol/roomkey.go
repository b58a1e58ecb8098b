package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ResourceKind names the kind of resource a room is scoped to.
type ResourceKind string

const (
	KindDocument           ResourceKind = "document"
	KindTaskCollection     ResourceKind = "task-collection"
	KindCalendarCollection ResourceKind = "calendar-collection"
)

var ErrInvalidRoomKey = errors.New("invalid room key")

// Valid reports whether k is one of the known resource kinds.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindDocument, KindTaskCollection, KindCalendarCollection:
		return true
	}
	return false
}

// IsCollection reports whether k is a per-user collection that resource events are relayed through.
func (k ResourceKind) IsCollection() bool {
	return k == KindTaskCollection || k == KindCalendarCollection
}

// RoomKey identifies a room. Its stable textual form is "<kind>:<id>", for example "document:doc-42".
type RoomKey struct {
	Kind ResourceKind
	ID   string
}

func DocumentRoom(id string) RoomKey {
	return RoomKey{Kind: KindDocument, ID: id}
}

func (k RoomKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

func (k RoomKey) IsDocument() bool {
	return k.Kind == KindDocument
}

func (k RoomKey) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: unknown resource kind %q", ErrInvalidRoomKey, k.Kind)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidRoomKey)
	}
	return nil
}

// ParseRoomKey parses the textual form produced by RoomKey.String.
func ParseRoomKey(raw string) (RoomKey, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		return RoomKey{}, fmt.Errorf("%w: %q has no kind separator", ErrInvalidRoomKey, raw)
	}
	k := RoomKey{Kind: ResourceKind(kind), ID: id}
	if err := k.Validate(); err != nil {
		return RoomKey{}, err
	}
	return k, nil
}

func (k RoomKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText only splits the key; Decode validates it so that a bad key surfaces as ErrInvalidRoomKey.
func (k *RoomKey) UnmarshalText(text []byte) error {
	kind, id, _ := strings.Cut(string(text), ":")
	*k = RoomKey{Kind: ResourceKind(kind), ID: id}
	return nil
}
