// Package api exposes the messaging engine over gRPC on the daemon's Unix
// socket. Requests and responses are google.protobuf.Struct values so the
// service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sphere.v1.ChatService"

// Method names, as they appear after the service name in a full method path.
const (
	MethodSelectContext  = "SelectContext"
	MethodSendMessage    = "SendMessage"
	MethodRetryMessage   = "RetryMessage"
	MethodDiscardMessage = "DiscardMessage"
	MethodSignalTyping   = "SignalTyping"
	MethodListMessages   = "ListMessages"
	MethodGetStatus      = "GetStatus"
	MethodListGroups     = "ListGroups"
	MethodListContacts   = "ListContacts"
	MethodTailLogs       = "TailLogs"
	MethodWatchEvents    = "WatchEvents"
)

// FullMethod returns "/sphere.v1.ChatService/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ChatServer is the server API for the chat service.
type ChatServer interface {
	SelectContext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscardMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignalTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGroups(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListContacts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TailLogs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

type unaryMethod func(ChatServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchEvents(in, eventStream{stream})
}

// WatchEventsStreamDesc describes the server-streaming WatchEvents call.
var WatchEventsStreamDesc = grpc.StreamDesc{
	StreamName:    MethodWatchEvents,
	Handler:       watchEventsHandler,
	ServerStreams: true,
}

// ChatServiceDesc is the grpc.ServiceDesc for the chat service.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSelectContext, ChatServer.SelectContext),
		unary(MethodSendMessage, ChatServer.SendMessage),
		unary(MethodRetryMessage, ChatServer.RetryMessage),
		unary(MethodDiscardMessage, ChatServer.DiscardMessage),
		unary(MethodSignalTyping, ChatServer.SignalTyping),
		unary(MethodListMessages, ChatServer.ListMessages),
		unary(MethodGetStatus, ChatServer.GetStatus),
		unary(MethodListGroups, ChatServer.ListGroups),
		unary(MethodListContacts, ChatServer.ListContacts),
		unary(MethodTailLogs, ChatServer.TailLogs),
	},
	Streams:  []grpc.StreamDesc{WatchEventsStreamDesc},
	Metadata: "sphere/v1/chat.proto",
}
