package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageID carries a message identity together with its provenance: a
// provisional id is minted on the client while a turn is in flight, a durable
// id is assigned by the server once the message has been persisted. The two
// are distinguished by an explicit tag rather than any convention on the id
// string itself.
type MessageID struct {
	value   string
	durable bool
}

// NewProvisionalID mints a client-local id for a pending message.
func NewProvisionalID() MessageID {
	return MessageID{value: uuid.NewString()}
}

// DurableID wraps a server-assigned id.
func DurableID(v string) MessageID {
	return MessageID{value: v, durable: true}
}

func (id MessageID) String() string { return id.value }

// Durable reports whether the id was assigned by the server.
func (id MessageID) Durable() bool { return id.durable }

func (id MessageID) IsZero() bool { return id.value == "" }

// MarshalJSON writes the bare id string; provenance is a client-side concern
// and never goes over the wire.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON reads a bare id string. Anything arriving off the wire came
// from the server, so it is durable.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*id = DurableID(v)
	return nil
}

type Message struct {
	ID              MessageID `json:"id"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	ResponseID      string    `json:"response_id,omitempty"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CloneMessages returns copies of all messages, suitable for handing across
// component boundaries without sharing the backing slice.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
