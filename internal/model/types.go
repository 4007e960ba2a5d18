// Package model holds the inbox records shared by the cache, the backend
// client and the push channel.
package model

import "time"

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusFailed    MessageStatus = "failed"
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Direction of a message or call.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is a single chat, voice or email message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	ClientID       string        `json:"clientMessageId,omitempty"`
	Content        string        `json:"content"`
	Direction      Direction     `json:"direction"`
	Channel        string        `json:"channel,omitempty"`
	SenderID       string        `json:"senderId,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`

	// Optimistic marks a locally synthesized message awaiting confirmation.
	// Its ID is the client id.
	Optimistic bool `json:"optimistic,omitempty"`
}

// ConversationStatus is the workflow state of a conversation.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
	ConversationSnoozed  ConversationStatus = "snoozed"
)

// Conversation is a thread with one contact over one channel.
type Conversation struct {
	ID             string             `json:"id"`
	Status         ConversationStatus `json:"status"`
	AssigneeID     string             `json:"assigneeId,omitempty"`
	Priority       string             `json:"priority,omitempty"`
	Unread         bool               `json:"unread"`
	Starred        bool               `json:"starred"`
	Channel        string             `json:"channel,omitempty"`
	ContactName    string             `json:"contactName,omitempty"`
	Subject        string             `json:"subject,omitempty"`
	Purpose        string             `json:"purpose,omitempty"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
}

// Notification is an in-app notification.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Call is one entry of the dialer call log.
type Call struct {
	ID              string            `json:"id"`
	Direction       Direction         `json:"direction"`
	FromNumber      string            `json:"fromNumber,omitempty"`
	ToNumber        string            `json:"toNumber,omitempty"`
	Status          string            `json:"status"`
	DurationSeconds int               `json:"duration"`
	Disposition     string            `json:"disposition,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	EndedAt         time.Time         `json:"endedAt,omitempty"`
	Transcription   string            `json:"transcription,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
