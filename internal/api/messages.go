package api

import (
	"encoding/json"

	"github.com/matheus3301/inboxd/internal/calls"
	"github.com/matheus3301/inboxd/internal/model"
)

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Profile           string   `json:"profile"`
	State             string   `json:"state"`
	Epoch             uint64   `json:"epoch,omitempty"`
	UptimeMs          int64    `json:"uptimeMs"`
	ConversationCount int      `json:"conversationCount"`
	MessageCount      int      `json:"messageCount"`
	Subscriptions     []string `json:"subscriptions,omitempty"`
	PolledResources   []string `json:"polledResources,omitempty"`
}

type ListConversationsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
	Stale         bool                 `json:"stale"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
}

type ListMessagesResponse struct {
	Messages []model.Message `json:"messages"`
	Stale    bool            `json:"stale"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type SendMessageResponse struct {
	Message model.Message `json:"message"`
}

// OpenConversationRequest subscribes the caller to a conversation: its room
// is joined and its messages are polled until the matching close.
type OpenConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type OpenConversationResponse struct {
	Subscribers int `json:"subscribers"`
}

type CloseConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type CloseConversationResponse struct {
	Subscribers int `json:"subscribers"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type TypingResponse struct{}

type RefocusRequest struct{}

type RefocusResponse struct {
	Triggered bool `json:"triggered"`
}

type CommandRequest struct {
	ConversationID string `json:"conversationId"`
	Action         string `json:"action"`
	Arg            string `json:"arg,omitempty"`
}

type CommandResponse struct{}

type CallGroupsRequest struct{}

type CallGroupsResponse struct {
	Groups []calls.Group `json:"groups"`
}

type ListNotificationsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListNotificationsResponse struct {
	Notifications []model.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

// WatchEventsRequest selects bus events by kind prefix. An empty prefix
// streams every event.
type WatchEventsRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed to clients.
type Event struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
