// Package store persists small per-user records that must survive a
// restart. A record is addressed by its owner and one of a fixed set of
// logical keys, and a write fully replaces the previous payload.
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogicalKey names one of the fixed slots a user's durable state can occupy.
type LogicalKey string

const (
	// KeyChatHistory holds the user's chat transcript.
	KeyChatHistory LogicalKey = "chat_history"
	// KeyActiveCharacter holds the selected character or subject.
	KeyActiveCharacter LogicalKey = "active_character"
	// KeySessionContext holds the active study session.
	KeySessionContext LogicalKey = "session_context"
	// KeyUserPreferences holds user preferences.
	KeyUserPreferences LogicalKey = "user_preferences"
	// KeyDraftResponse holds an unsent draft answer.
	KeyDraftResponse LogicalKey = "draft_response"
)

// LogicalKeys lists every logical key.
var LogicalKeys = []LogicalKey{
	KeyChatHistory,
	KeyActiveCharacter,
	KeySessionContext,
	KeyUserPreferences,
	KeyDraftResponse,
}

// Valid reports whether k is one of the known logical keys.
func (k LogicalKey) Valid() bool {
	for _, known := range LogicalKeys {
		if k == known {
			return true
		}
	}
	return false
}

// CompositeKey joins an owner and a logical key into the record address.
func CompositeKey(owner string, key LogicalKey) string {
	return owner + ":" + string(key)
}

// Payload is the typed content of a record. Each payload type belongs to
// exactly one logical key.
type Payload interface {
	LogicalKey() LogicalKey
}

// Record is one durable entry.
type Record struct {
	CompositeKey   string          `json:"compositeKey"`
	OwnerUserID    string          `json:"ownerUserId"`
	LogicalKey     LogicalKey      `json:"logicalKey"`
	Payload        json.RawMessage `json:"payload"`
	WriteTimestamp time.Time       `json:"writeTimestamp"`
}

// NewRecord encodes p into a record owned by owner.
func NewRecord(owner string, p Payload, now time.Time) (*Record, error) {
	key := p.LogicalKey()
	if err := validate(owner, key); err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", key, err)
	}

	return &Record{
		CompositeKey:   CompositeKey(owner, key),
		OwnerUserID:    owner,
		LogicalKey:     key,
		Payload:        data,
		WriteTimestamp: now.UTC(),
	}, nil
}

// Decode unmarshals the record payload into p. It fails with ErrKeyMismatch
// when p belongs to a different logical key.
func (r *Record) Decode(p Payload) error {
	if p.LogicalKey() != r.LogicalKey {
		return fmt.Errorf("%w: record is %s, payload is %s", ErrKeyMismatch, r.LogicalKey, p.LogicalKey())
	}
	if err := json.Unmarshal(r.Payload, p); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", r.LogicalKey, err)
	}
	return nil
}

// ChatMessage is one line of a chat transcript.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistory is stored under KeyChatHistory.
type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

// LogicalKey implements Payload.
func (*ChatHistory) LogicalKey() LogicalKey { return KeyChatHistory }

// ActiveCharacter is stored under KeyActiveCharacter.
type ActiveCharacter struct {
	CharacterID string `json:"characterId"`
	Subject     string `json:"subject,omitempty"`
}

// LogicalKey implements Payload.
func (*ActiveCharacter) LogicalKey() LogicalKey { return KeyActiveCharacter }

// Preferences is stored under KeyUserPreferences.
type Preferences struct {
	Values map[string]string `json:"values"`
}

// LogicalKey implements Payload.
func (*Preferences) LogicalKey() LogicalKey { return KeyUserPreferences }

// DraftResponse is stored under KeyDraftResponse.
type DraftResponse struct {
	TaskID  string    `json:"taskId,omitempty"`
	Text    string    `json:"text"`
	SavedAt time.Time `json:"savedAt"`
}

// LogicalKey implements Payload.
func (*DraftResponse) LogicalKey() LogicalKey { return KeyDraftResponse }
