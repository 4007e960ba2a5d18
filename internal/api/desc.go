package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "inboxd.v1.InboxService"

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// InboxServer is the server side of the control API.
type InboxServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	OpenConversation(context.Context, *OpenConversationRequest) (*OpenConversationResponse, error)
	CloseConversation(context.Context, *CloseConversationRequest) (*CloseConversationResponse, error)
	Typing(context.Context, *TypingRequest) (*TypingResponse, error)
	Refocus(context.Context, *RefocusRequest) (*RefocusResponse, error)
	ConversationCommand(context.Context, *CommandRequest) (*CommandResponse, error)
	CallGroups(context.Context, *CallGroupsRequest) (*CallGroupsResponse, error)
	ListNotifications(context.Context, *ListNotificationsRequest) (*ListNotificationsResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

// ServiceDesc describes InboxService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", InboxServer.GetStatus),
		unary("ListConversations", InboxServer.ListConversations),
		unary("ListMessages", InboxServer.ListMessages),
		unary("SendMessage", InboxServer.SendMessage),
		unary("OpenConversation", InboxServer.OpenConversation),
		unary("CloseConversation", InboxServer.CloseConversation),
		unary("Typing", InboxServer.Typing),
		unary("Refocus", InboxServer.Refocus),
		unary("ConversationCommand", InboxServer.ConversationCommand),
		unary("CallGroups", InboxServer.CallGroups),
		unary("ListNotifications", InboxServer.ListNotifications),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "inboxd/v1/inbox",
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(InboxServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InboxServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InboxServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(e *Event) error {
	return s.SendMsg(e)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InboxServer).WatchEvents(in, eventStream{stream})
}
