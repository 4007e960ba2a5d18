// Package client talks to a running daemon over its Unix socket.
package client

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/inboxd/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context) (*api.GetStatusResponse, error) {
	return invoke[api.GetStatusResponse](ctx, c, "GetStatus", &api.GetStatusRequest{})
}

func (c *Client) ListConversations(ctx context.Context, req *api.ListConversationsRequest) (*api.ListConversationsResponse, error) {
	return invoke[api.ListConversationsResponse](ctx, c, "ListConversations", req)
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) (*api.ListMessagesResponse, error) {
	return invoke[api.ListMessagesResponse](ctx, c, "ListMessages", &api.ListMessagesRequest{ConversationID: conversationID})
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*api.SendMessageResponse, error) {
	return invoke[api.SendMessageResponse](ctx, c, "SendMessage", &api.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
	})
}

func (c *Client) OpenConversation(ctx context.Context, conversationID string) (*api.OpenConversationResponse, error) {
	return invoke[api.OpenConversationResponse](ctx, c, "OpenConversation", &api.OpenConversationRequest{ConversationID: conversationID})
}

func (c *Client) CloseConversation(ctx context.Context, conversationID string) (*api.CloseConversationResponse, error) {
	return invoke[api.CloseConversationResponse](ctx, c, "CloseConversation", &api.CloseConversationRequest{ConversationID: conversationID})
}

func (c *Client) Typing(ctx context.Context, conversationID string, typing bool) error {
	_, err := invoke[api.TypingResponse](ctx, c, "Typing", &api.TypingRequest{ConversationID: conversationID, Typing: typing})
	return err
}

func (c *Client) Refocus(ctx context.Context) (*api.RefocusResponse, error) {
	return invoke[api.RefocusResponse](ctx, c, "Refocus", &api.RefocusRequest{})
}

func (c *Client) Command(ctx context.Context, conversationID, action, arg string) error {
	_, err := invoke[api.CommandResponse](ctx, c, "ConversationCommand", &api.CommandRequest{
		ConversationID: conversationID,
		Action:         action,
		Arg:            arg,
	})
	return err
}

func (c *Client) CallGroups(ctx context.Context) (*api.CallGroupsResponse, error) {
	return invoke[api.CallGroupsResponse](ctx, c, "CallGroups", &api.CallGroupsRequest{})
}

func (c *Client) ListNotifications(ctx context.Context, limit int) (*api.ListNotificationsResponse, error) {
	return invoke[api.ListNotificationsResponse](ctx, c, "ListNotifications", &api.ListNotificationsRequest{Limit: limit})
}

// EventStream receives bus events from the daemon.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the daemon ends
// the stream.
func (s *EventStream) Recv() (*api.Event, error) {
	evt := new(api.Event)
	if err := s.stream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// WatchEvents streams daemon events whose kind starts with prefix until ctx
// is cancelled.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod("WatchEvents"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&api.WatchEventsRequest{Prefix: prefix}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil && err != io.EOF {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
