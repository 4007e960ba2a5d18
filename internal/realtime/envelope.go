package realtime

import (
	"encoding/json"
	"fmt"
)

// Envelope is one push-channel frame: {"type": "...", "payload": ...}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload into an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// Inbound frame types.
const (
	TypeMessageNew          = "message:new"
	TypeConversationUpdated = "conversation:updated"
	TypeMessageStatus       = "message:status"
	TypeTypingUpdate        = "typing:update"
	TypeNotificationNew     = "notification:new"
)

// Outbound frame types.
const (
	TypeJoinConversation  = "join:conversation"
	TypeLeaveConversation = "leave:conversation"
	TypeTypingStart       = "typing:start"
	TypeTypingStop        = "typing:stop"
)
