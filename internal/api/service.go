// Package api implements the daemon's control service. Messages are plain Go
// structs carried over gRPC with a JSON codec.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/inboxd/internal/backend"
	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/calls"
	"github.com/matheus3301/inboxd/internal/commands"
	"github.com/matheus3301/inboxd/internal/model"
	"github.com/matheus3301/inboxd/internal/realtime"
	"github.com/matheus3301/inboxd/internal/status"
	"github.com/matheus3301/inboxd/internal/store"
)

// Sender queues outgoing messages.
type Sender interface {
	Send(ctx context.Context, conversationID, content string) (model.Message, error)
}

// Commander runs conversation commands.
type Commander interface {
	Run(ctx context.Context, conversationID string, action commands.Action, arg string) error
}

// Rooms tracks push-channel room membership.
type Rooms interface {
	Subscribe(ctx context.Context, conversationID string)
	Unsubscribe(ctx context.Context, conversationID string)
	Count(conversationID string) int
	Scopes() []string
}

// Poller polls per-conversation message lists and refreshes on focus.
type Poller interface {
	Track(conversationID string)
	Untrack(conversationID string)
}

// Focuser triggers an immediate refetch of every polled resource.
type Focuser interface {
	Refocus() bool
	Keys() []string
}

// Channel is the outbound side of the push channel.
type Channel interface {
	Emit(ctx context.Context, env realtime.Envelope) error
	Epoch() (uint64, bool)
}

// Deps are the components the service reads and drives.
type Deps struct {
	Machine *status.Machine
	Cache   *store.DB
	Bus     *bus.Bus
	Sender  Sender
	Runner  Commander
	Rooms   Rooms
	Poller  Poller
	Focus   Focuser
	Channel Channel
	Logger  *zap.Logger
}

// Service implements InboxServer.
type Service struct {
	profile   string
	startedAt time.Time
	d         Deps
}

// NewService creates the control service for a profile.
func NewService(profile string, d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{profile: profile, startedAt: time.Now(), d: d}
}

func (s *Service) GetStatus(_ context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	resp := &GetStatusResponse{
		Profile:  s.profile,
		State:    string(status.Absent),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.d.Machine != nil {
		resp.State = string(s.d.Machine.Current())
	}
	if s.d.Channel != nil {
		if epoch, ok := s.d.Channel.Epoch(); ok {
			resp.Epoch = epoch
		}
	}
	if s.d.Cache != nil {
		if n, err := s.d.Cache.ConversationCount(); err == nil {
			resp.ConversationCount = n
		}
		if n, err := s.d.Cache.MessageCount(); err == nil {
			resp.MessageCount = n
		}
	}
	if s.d.Rooms != nil {
		resp.Subscriptions = s.d.Rooms.Scopes()
	}
	if s.d.Focus != nil {
		resp.PolledResources = s.d.Focus.Keys()
	}
	return resp, nil
}

func (s *Service) ListConversations(_ context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	if s.d.Cache == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "cache not initialized")
	}
	convs, err := s.d.Cache.ListConversations(model.ConversationStatus(req.Status), req.Limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	stale, err := s.d.Cache.IsStale(store.KeyConversations)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	return &ListConversationsResponse{Conversations: convs, Stale: stale}, nil
}

func (s *Service) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if s.d.Cache == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "cache not initialized")
	}
	msgs, err := s.d.Cache.ListMessages(req.ConversationID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	stale, err := s.d.Cache.IsStale(store.MessagesKey(req.ConversationID))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return &ListMessagesResponse{Messages: msgs, Stale: stale}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "message content is empty")
	}
	if s.d.Sender == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sender not initialized")
	}
	msg, err := s.d.Sender.Send(ctx, req.ConversationID, req.Content)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return &SendMessageResponse{Message: msg}, nil
}

func (s *Service) OpenConversation(ctx context.Context, req *OpenConversationRequest) (*OpenConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if s.d.Rooms == nil || s.d.Poller == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "subscriptions not initialized")
	}
	s.d.Rooms.Subscribe(ctx, req.ConversationID)
	s.d.Poller.Track(req.ConversationID)
	return &OpenConversationResponse{Subscribers: s.d.Rooms.Count(req.ConversationID)}, nil
}

func (s *Service) CloseConversation(ctx context.Context, req *CloseConversationRequest) (*CloseConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if s.d.Rooms == nil || s.d.Poller == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "subscriptions not initialized")
	}
	if s.d.Rooms.Count(req.ConversationID) == 0 {
		return &CloseConversationResponse{}, nil
	}
	s.d.Rooms.Unsubscribe(ctx, req.ConversationID)
	s.d.Poller.Untrack(req.ConversationID)
	return &CloseConversationResponse{Subscribers: s.d.Rooms.Count(req.ConversationID)}, nil
}

func (s *Service) Typing(ctx context.Context, req *TypingRequest) (*TypingResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if s.d.Channel == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "push channel not initialized")
	}
	typ := realtime.TypeTypingStop
	if req.Typing {
		typ = realtime.TypeTypingStart
	}
	env, err := realtime.NewEnvelope(typ, map[string]string{"conversationId": req.ConversationID})
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "typing: %v", err)
	}
	if err := s.d.Channel.Emit(ctx, env); err != nil {
		return nil, toStatus("typing", err)
	}
	return &TypingResponse{}, nil
}

func (s *Service) Refocus(_ context.Context, _ *RefocusRequest) (*RefocusResponse, error) {
	if s.d.Focus == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "poller not initialized")
	}
	return &RefocusResponse{Triggered: s.d.Focus.Refocus()}, nil
}

func (s *Service) ConversationCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	action, err := commands.ParseAction(req.Action)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if action == commands.Purpose && strings.TrimSpace(req.Arg) == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "purpose must not be empty")
	}
	if s.d.Runner == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "commands not initialized")
	}
	if err := s.d.Runner.Run(ctx, req.ConversationID, action, req.Arg); err != nil {
		return nil, toStatus(string(action), err)
	}
	return &CommandResponse{}, nil
}

func (s *Service) CallGroups(_ context.Context, _ *CallGroupsRequest) (*CallGroupsResponse, error) {
	if s.d.Cache == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "cache not initialized")
	}
	log, err := s.d.Cache.ListCalls()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list calls: %v", err)
	}
	return &CallGroupsResponse{Groups: calls.GroupCalls(log)}, nil
}

func (s *Service) ListNotifications(_ context.Context, req *ListNotificationsRequest) (*ListNotificationsResponse, error) {
	if s.d.Cache == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "cache not initialized")
	}
	list, err := s.d.Cache.ListNotifications(req.Limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list notifications: %v", err)
	}
	resp := &ListNotificationsResponse{Notifications: list}

	raw, err := s.d.Cache.Snapshot(store.KeyUnreadCount)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "unread count: %v", err)
	}
	if raw != nil {
		var unread struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(raw, &unread); err == nil {
			resp.Unread = unread.Count
		}
	} else {
		for _, n := range list {
			if !n.Read {
				resp.Unread++
			}
		}
	}
	return resp, nil
}

func (s *Service) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	if s.d.Bus == nil {
		return grpcstatus.Errorf(codes.Unavailable, "event bus not initialized")
	}
	ch, unsub := s.d.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out := &Event{
				ID:               uuid.NewString(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
			}
			if evt.Payload != nil {
				payload, err := json.Marshal(evt.Payload)
				if err != nil {
					s.d.Logger.Debug("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				} else {
					out.Payload = payload
				}
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps component errors onto gRPC codes.
func toStatus(op string, err error) error {
	if errors.Is(err, realtime.ErrNotConnected) {
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		code := codes.Unavailable
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			code = codes.NotFound
		case apiErr.StatusCode == http.StatusUnauthorized:
			code = codes.Unauthenticated
		case apiErr.StatusCode == http.StatusForbidden:
			code = codes.PermissionDenied
		case apiErr.StatusCode == http.StatusConflict:
			code = codes.AlreadyExists
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			code = codes.InvalidArgument
		}
		return grpcstatus.Errorf(code, "%s: %v", op, err)
	}
	return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
}
