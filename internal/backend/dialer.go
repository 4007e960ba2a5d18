package backend

import (
	"context"
	"net/http"

	"github.com/matheus3301/inboxd/internal/model"
)

// CallLogs fetches the dialer call log.
func (c *Client) CallLogs(ctx context.Context) ([]model.Call, error) {
	var out []model.Call
	if err := c.doRequest(ctx, http.MethodGet, "/dialer/logs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveCalls fetches calls currently in progress.
func (c *Client) ActiveCalls(ctx context.Context) ([]model.Call, error) {
	var out []model.Call
	if err := c.doRequest(ctx, http.MethodGet, "/dialer/active", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Notifications fetches the notification list.
func (c *Client) Notifications(ctx context.Context) ([]model.Notification, error) {
	var out []model.Notification
	if err := c.doRequest(ctx, http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount fetches the number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
