package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrUnknownKind = errors.New("unknown message kind")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// RoomKey travels as its "kind:id" text form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	if encMode, err = encOptions.EncMode(); err != nil {
		panic("protocol: cbor encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}).DecMode(); err != nil {
		panic("protocol: cbor decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Kind Kind            `cbor:"k"`
	Body cbor.RawMessage `cbor:"b"`
}

// Encode serialises m into a single frame.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("failed to encode: nil message")
	}
	kind := m.Kind()
	if kind == "" {
		return nil, fmt.Errorf("failed to encode %T: %w", m, ErrUnknownKind)
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", kind, err)
	}
	raw, err := encMode.Marshal(envelope{Kind: kind, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}
	return raw, nil
}

// Decode parses a frame into its concrete message type. Room-addressed messages must carry a valid room key.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var m Message
	var err error
	switch env.Kind {
	case KindJoinRoom:
		m, err = decodeBody[JoinRoom](env.Body)
	case KindLeaveRoom:
		m, err = decodeBody[LeaveRoom](env.Body)
	case KindRoomState:
		m, err = decodeBody[RoomState](env.Body)
	case KindDocUpdate:
		m, err = decodeBody[DocUpdate](env.Body)
	case KindPresenceUpdate:
		m, err = decodeBody[PresenceUpdate](env.Body)
	case KindPresenceOffline:
		m, err = decodeBody[PresenceOffline](env.Body)
	case KindResourceCreated, KindResourceUpdated, KindResourceDeleted:
		var ev ResourceEvent
		ev, err = decodeBody[ResourceEvent](env.Body)
		ev.Action = env.Kind
		m = ev
	case KindError:
		m, err = decodeBody[Error](env.Body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", env.Kind, err)
	}
	if t, ok := m.(Targeted); ok {
		if err := t.Target().Validate(); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
		}
	}
	return m, nil
}

func decodeBody[T any](body []byte) (T, error) {
	var v T
	err := decMode.Unmarshal(body, &v)
	return v, err
}
