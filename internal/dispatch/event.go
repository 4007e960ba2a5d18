// Package dispatch decodes push-channel frames into a closed set of events
// and applies each one to the cache.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/inboxd/internal/model"
	"github.com/matheus3301/inboxd/internal/realtime"
)

// Event is one decoded push event. The set of implementations is closed.
type Event interface {
	kind() string
}

// MessageCreated carries a new authoritative message.
type MessageCreated struct {
	Message model.Message
}

// ConversationUpdated signals that a conversation changed server-side.
type ConversationUpdated struct {
	ConversationID string
}

// MessageStatusChanged carries a delivery status observation.
type MessageStatusChanged struct {
	MessageID      string
	ConversationID string
	Status         model.MessageStatus
}

// TypingUpdated is forwarded untouched.
type TypingUpdated struct {
	ConversationID string
	Payload        json.RawMessage
}

// NotificationCreated carries a new in-app notification.
type NotificationCreated struct {
	Notification model.Notification
}

// Unknown is any frame that could not be decoded.
type Unknown struct {
	Type   string
	Reason string
}

func (MessageCreated) kind() string       { return realtime.TypeMessageNew }
func (ConversationUpdated) kind() string  { return realtime.TypeConversationUpdated }
func (MessageStatusChanged) kind() string { return realtime.TypeMessageStatus }
func (TypingUpdated) kind() string        { return realtime.TypeTypingUpdate }
func (NotificationCreated) kind() string  { return realtime.TypeNotificationNew }
func (Unknown) kind() string              { return "unknown" }

// Decode turns a frame into an Event. It never fails: anything unusable
// becomes Unknown.
func Decode(env realtime.Envelope) Event {
	switch env.Type {
	case realtime.TypeMessageNew:
		var m model.Message
		if err := unwrap(env.Payload, "message", &m); err != nil {
			return Unknown{Type: env.Type, Reason: err.Error()}
		}
		if m.ConversationID == "" {
			var outer struct {
				ConversationID string `json:"conversationId"`
			}
			_ = json.Unmarshal(env.Payload, &outer)
			m.ConversationID = outer.ConversationID
		}
		if m.ID == "" || m.ConversationID == "" {
			return Unknown{Type: env.Type, Reason: "message without id or conversation"}
		}
		return MessageCreated{Message: m}

	case realtime.TypeConversationUpdated:
		var p struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversationId"`
		}
		if err := unwrap(env.Payload, "conversation", &p); err != nil {
			return Unknown{Type: env.Type, Reason: err.Error()}
		}
		if p.ConversationID == "" {
			p.ConversationID = p.ID
		}
		return ConversationUpdated{ConversationID: p.ConversationID}

	case realtime.TypeMessageStatus:
		var p struct {
			ID             string              `json:"id"`
			MessageID      string              `json:"messageId"`
			ConversationID string              `json:"conversationId"`
			Status         model.MessageStatus `json:"status"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Unknown{Type: env.Type, Reason: err.Error()}
		}
		if p.MessageID == "" {
			p.MessageID = p.ID
		}
		if p.MessageID == "" || p.Status == "" {
			return Unknown{Type: env.Type, Reason: "status without message id or status"}
		}
		return MessageStatusChanged{MessageID: p.MessageID, ConversationID: p.ConversationID, Status: p.Status}

	case realtime.TypeTypingUpdate:
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		return TypingUpdated{ConversationID: p.ConversationID, Payload: env.Payload}

	case realtime.TypeNotificationNew:
		var n model.Notification
		if err := unwrap(env.Payload, "notification", &n); err != nil {
			return Unknown{Type: env.Type, Reason: err.Error()}
		}
		if n.ID == "" {
			return Unknown{Type: env.Type, Reason: "notification without id"}
		}
		return NotificationCreated{Notification: n}
	}
	return Unknown{Type: env.Type, Reason: "unhandled type"}
}

// unwrap decodes payload into out, looking inside {"<field>": ...} when the
// payload is wrapped.
func unwrap(payload json.RawMessage, field string, out any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("empty payload")
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if inner, ok := wrapped[field]; ok && len(inner) > 0 && inner[0] == '{' {
		payload = inner
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
