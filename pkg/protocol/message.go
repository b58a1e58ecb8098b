// Package protocol defines the closed set of messages exchanged between sync clients and the server, and
// their CBOR wire encoding.
//
// Every frame is an envelope {k: kind, b: body}. The body is decoded into the concrete struct for its kind;
// unknown kinds are rejected with ErrUnknownKind rather than partially interpreted.
package protocol

// Kind is the discriminator carried by every frame.
type Kind string

const (
	KindJoinRoom        Kind = "join-room"
	KindLeaveRoom       Kind = "leave-room"
	KindRoomState       Kind = "room-state"
	KindDocUpdate       Kind = "doc-update"
	KindPresenceUpdate  Kind = "presence-update"
	KindPresenceOffline Kind = "presence-offline"
	KindResourceCreated Kind = "resource-created"
	KindResourceUpdated Kind = "resource-updated"
	KindResourceDeleted Kind = "resource-deleted"
	KindError           Kind = "error"
)

// IsResourceAction reports whether k is one of the relayed resource event kinds.
func (k Kind) IsResourceAction() bool {
	switch k {
	case KindResourceCreated, KindResourceUpdated, KindResourceDeleted:
		return true
	}
	return false
}

// Message is implemented by every concrete message type in this package.
type Message interface {
	Kind() Kind
}

// Targeted is implemented by messages addressed to a single room.
type Targeted interface {
	Message
	Target() RoomKey
}

type JoinRoom struct {
	Room RoomKey `cbor:"room"`
}

func (JoinRoom) Kind() Kind        { return KindJoinRoom }
func (m JoinRoom) Target() RoomKey { return m.Room }

type LeaveRoom struct {
	Room RoomKey `cbor:"room"`
}

func (LeaveRoom) Kind() Kind        { return KindLeaveRoom }
func (m LeaveRoom) Target() RoomKey { return m.Room }

// RoomState answers a join. Snapshot is only set for document rooms.
type RoomState struct {
	Room     RoomKey    `cbor:"room"`
	Snapshot []byte     `cbor:"snapshot,omitempty"`
	Version  uint64     `cbor:"version,omitempty"`
	Presence []Presence `cbor:"presence,omitempty"`
}

func (RoomState) Kind() Kind        { return KindRoomState }
func (m RoomState) Target() RoomKey { return m.Room }

// DocUpdate carries an incremental change to a document. Version is set by the server on rebroadcast.
type DocUpdate struct {
	Room    RoomKey `cbor:"room"`
	Delta   []byte  `cbor:"delta"`
	Version uint64  `cbor:"version,omitempty"`
}

func (DocUpdate) Kind() Kind        { return KindDocUpdate }
func (m DocUpdate) Target() RoomKey { return m.Room }

// Presence is the ephemeral record of one session inside one room.
type Presence struct {
	SessionID string `cbor:"session"`
	UserID    string `cbor:"user"`
	Cursor    []byte `cbor:"cursor,omitempty"`
	Online    bool   `cbor:"online"`
	// LastSeen is in unix milliseconds.
	LastSeen int64 `cbor:"last_seen,omitempty"`
}

type PresenceUpdate struct {
	Room   RoomKey  `cbor:"room"`
	Record Presence `cbor:"record"`
}

func (PresenceUpdate) Kind() Kind        { return KindPresenceUpdate }
func (m PresenceUpdate) Target() RoomKey { return m.Room }

type PresenceOffline struct {
	Room      RoomKey `cbor:"room"`
	SessionID string  `cbor:"session"`
}

func (PresenceOffline) Kind() Kind        { return KindPresenceOffline }
func (m PresenceOffline) Target() RoomKey { return m.Room }

// ResourceEvent is a create/update/delete notification for a task or calendar event. Action is the frame
// kind and is not repeated in the body. The notification fields are stamped by the relay.
type ResourceEvent struct {
	Action     Kind         `cbor:"-"`
	Collection ResourceKind `cbor:"collection"`
	ResourceID string       `cbor:"resource"`
	Payload    []byte       `cbor:"payload,omitempty"`

	NotificationID string `cbor:"notification,omitempty"`
	Title          string `cbor:"title,omitempty"`
	Message        string `cbor:"message,omitempty"`
	// Timestamp is in unix milliseconds.
	Timestamp int64 `cbor:"ts,omitempty"`
}

func (m ResourceEvent) Kind() Kind { return m.Action }

type Error struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

func (Error) Kind() Kind { return KindError }

// Error codes sent to clients.
const (
	CodeMalformed   = "malformed"
	CodeNotMember   = "not-member"
	CodeUnavailable = "unavailable"
	CodeForbidden   = "forbidden"
)
