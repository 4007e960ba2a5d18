package backend

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/matheus3301/inboxd/internal/model"
)

// SendRequest is the body of a message send.
type SendRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientMessageId"`
}

// ListConversations fetches the conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.doRequest(ctx, http.MethodGet, "/inbox/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.doRequest(ctx, http.MethodGet, conversationPath(id), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

// ListMessages fetches the messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	return out, nil
}

// SendMessage posts a message and returns the authoritative record.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error) {
	var out model.Message
	if err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "messages"), req, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	if out.ClientID == "" {
		out.ClientID = req.ClientID
	}
	return &out, nil
}

// Stats fetches the inbox counters as an opaque document.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/inbox/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Command runs a conversation action such as "assign" or "resolve".
func (c *Client) Command(ctx context.Context, conversationID, action string, body any) error {
	return c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, action), body, nil)
}
