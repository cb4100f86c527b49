package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of message kinds exchanged between contexts.
type Kind string

const (
	// KindPresence is a heartbeat announcing that a context is alive (or leaving).
	KindPresence Kind = "presence"
	// KindSessionState announces a study session start, update or clear.
	KindSessionState Kind = "session_state"
	// KindCharacterChange announces a change of the active character or subject.
	KindCharacterChange Kind = "character_change"
	// KindChatHistory announces that a user's chat history was rewritten.
	KindChatHistory Kind = "chat_history"
	// KindConflictResolution is reserved. Nothing in this module produces it.
	KindConflictResolution Kind = "conflict_resolution"
)

var (
	// ErrPayloadKind is returned when a payload does not belong to the message kind.
	ErrPayloadKind = errors.New("payload does not match message kind")
	// ErrUnknownKind is returned when decoding a message of an unknown kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPresence, KindSessionState, KindCharacterChange, KindChatHistory, KindConflictResolution:
		return true
	}
	return false
}

// Payload is the kind-specific body of a Message.
type Payload interface {
	// Kind returns the message kind the payload belongs to.
	Kind() Kind
}

// Message is the unit exchanged on the bus.
type Message struct {
	Kind     Kind
	OriginID Identity
	// Timestamp is the sender wall clock in milliseconds. It is informational
	// only and never used to order or resolve writes.
	Timestamp int64
	// Seq increases monotonically per origin.
	Seq     uint64
	Payload Payload
}

// NewMessage builds a message whose kind is taken from the payload.
func NewMessage(p Payload) Message {
	return Message{Kind: p.Kind(), Payload: p}
}

// Time returns Timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// PresencePayload is carried by heartbeats.
type PresencePayload struct {
	Active bool `json:"active"`
}

// Kind implements Payload.
func (PresencePayload) Kind() Kind { return KindPresence }

// SessionAction is the lifecycle transition announced by a session message.
type SessionAction string

const (
	SessionActionStart  SessionAction = "start"
	SessionActionUpdate SessionAction = "update"
	SessionActionClear  SessionAction = "clear"
)

// SessionStatePayload announces a study session transition for a user.
// Session holds the encoded session record and is empty for clears.
type SessionStatePayload struct {
	Action  SessionAction   `json:"action"`
	UserID  string          `json:"userId"`
	Session json.RawMessage `json:"session,omitempty"`
}

// Kind implements Payload.
func (SessionStatePayload) Kind() Kind { return KindSessionState }

// CharacterChangePayload announces a new active character or subject.
type CharacterChangePayload struct {
	UserID      string `json:"userId"`
	CharacterID string `json:"characterId"`
}

// Kind implements Payload.
func (CharacterChangePayload) Kind() Kind { return KindCharacterChange }

// ChatHistoryPayload announces that a user's chat history changed.
type ChatHistoryPayload struct {
	UserID       string `json:"userId"`
	MessageCount int    `json:"messageCount"`
}

// Kind implements Payload.
func (ChatHistoryPayload) Kind() Kind { return KindChatHistory }

// ConflictResolutionPayload is reserved for a future multi-writer protocol.
type ConflictResolutionPayload struct {
	UserID string   `json:"userId"`
	Winner Identity `json:"winner"`
}

// Kind implements Payload.
func (ConflictResolutionPayload) Kind() Kind { return KindConflictResolution }

type envelope struct {
	Kind      Kind            `json:"kind"`
	OriginID  Identity        `json:"originId"`
	Timestamp int64           `json:"timestamp"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a message to JSON.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload for %s", ErrPayloadKind, m.Kind)
	}
	if m.Payload.Kind() != m.Kind {
		return nil, fmt.Errorf("%w: %s payload on %s message", ErrPayloadKind, m.Payload.Kind(), m.Kind)
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return json.Marshal(envelope{
		Kind:      m.Kind,
		OriginID:  m.OriginID,
		Timestamp: m.Timestamp,
		Seq:       m.Seq,
		Payload:   payload,
	})
}

// Decode parses a message and its kind-specific payload.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}

	var (
		payload Payload
		err     error
	)
	switch env.Kind {
	case KindPresence:
		payload, err = decodePayload[PresencePayload](env.Payload)
	case KindSessionState:
		payload, err = decodePayload[SessionStatePayload](env.Payload)
	case KindCharacterChange:
		payload, err = decodePayload[CharacterChangePayload](env.Payload)
	case KindChatHistory:
		payload, err = decodePayload[ChatHistoryPayload](env.Payload)
	case KindConflictResolution:
		payload, err = decodePayload[ConflictResolutionPayload](env.Payload)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return Message{}, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}

	return Message{
		Kind:      env.Kind,
		OriginID:  env.OriginID,
		Timestamp: env.Timestamp,
		Seq:       env.Seq,
		Payload:   payload,
	}, nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
