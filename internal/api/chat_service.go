package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/sphere/internal/bus"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/engine"
	"github.com/matheus3301/sphere/internal/history"
	"github.com/matheus3301/sphere/internal/logging"
	"github.com/matheus3301/sphere/internal/outbox"
	"github.com/matheus3301/sphere/internal/status"
	"github.com/matheus3301/sphere/internal/store"
	"github.com/matheus3301/sphere/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the part of the messaging engine the service drives.
type Engine interface {
	SelectContext(ctx context.Context, target conversation.Context) error
	SendChatMessage(ctx context.Context, content string) (string, error)
	Retry(ctx context.Context, provisionalID string) error
	Discard(ctx context.Context, provisionalID string) error
	SignalTyping(ctx context.Context, isTyping bool) error
	Snapshot(ctx context.Context) (engine.Snapshot, error)
}

// Directory lists the groups and contacts the user can select.
type Directory interface {
	Groups(ctx context.Context) ([]history.Entry, error)
	Contacts(ctx context.Context) ([]history.Entry, error)
}

// ChatService implements ChatServer on top of the engine.
type ChatService struct {
	sessionName string
	identity    string
	startedAt   time.Time
	engine      Engine
	directory   Directory
	bus         *bus.Bus
	tail        *logging.Tail
	logger      *zap.Logger
}

// NewChatService creates the service. directory and tail may be nil; the
// calls that need them then fail with Unavailable.
func NewChatService(sessionName, identity string, eng Engine, directory Directory, b *bus.Bus, tail *logging.Tail, logger *zap.Logger) *ChatService {
	return &ChatService{
		sessionName: sessionName,
		identity:    identity,
		startedAt:   time.Now(),
		engine:      eng,
		directory:   directory,
		bus:         b,
		tail:        tail,
		logger:      logger,
	}
}

var _ ChatServer = (*ChatService)(nil)

func (s *ChatService) SelectContext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	target, err := conversation.Parse(str(req, "kind"), strings.TrimSpace(str(req, "id")), str(req, "name"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.SelectContext(ctx, target); err != nil {
		return nil, toStatus("select context", err)
	}
	s.logger.Info("context selected via api", zap.String("context", target.Key()))
	return structpb.NewStruct(map[string]any{"context": contextInfo(target).fields()})
}

func (s *ChatService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.engine.SendChatMessage(ctx, str(req, "content"))
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return structpb.NewStruct(map[string]any{"provisional_id": id})
}

func (s *ChatService) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Retry(ctx, str(req, "id")); err != nil {
		return nil, toStatus("retry message", err)
	}
	return &structpb.Struct{}, nil
}

func (s *ChatService) DiscardMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Discard(ctx, str(req, "id")); err != nil {
		return nil, toStatus("discard message", err)
	}
	return &structpb.Struct{}, nil
}

func (s *ChatService) SignalTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.SignalTyping(ctx, flag(req, "typing")); err != nil {
		return nil, toStatus("signal typing", err)
	}
	return &structpb.Struct{}, nil
}

// ListMessages returns the active timeline. A positive "limit" keeps only
// the most recent entries.
func (s *ChatService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	msgs := snap.Messages
	if limit := int(num(req, "limit")); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, messageInfo(m).fields())
	}
	return structpb.NewStruct(map[string]any{
		"context":  contextInfo(snap.Context).fields(),
		"messages": list,
	})
}

func (s *ChatService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("get status", err)
	}
	st := Status{
		Session:       s.sessionName,
		Identity:      s.identity,
		State:         string(snap.State),
		Context:       contextInfo(snap.Context),
		Uptime:        time.Since(s.startedAt),
		Messages:      len(snap.Messages),
		TypingSender:  snap.Typing.Sender,
		Typing:        snap.Typing.Typing,
		DroppedEvents: s.bus.Dropped(),
	}
	for _, m := range snap.Messages {
		switch m.State {
		case store.Pending:
			st.Pending++
		case store.Failed:
			st.Failed++
		}
	}
	if snap.HistoryErr != nil {
		st.HistoryError = snap.HistoryErr.Error()
	}
	return structpb.NewStruct(st.fields())
}

func (s *ChatService) ListGroups(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.directory == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "directory not configured")
	}
	entries, err := s.directory.Groups(ctx)
	if err != nil {
		return nil, toStatus("list groups", err)
	}
	return entriesResponse(entries)
}

func (s *ChatService) ListContacts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.directory == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "directory not configured")
	}
	entries, err := s.directory.Contacts(ctx)
	if err != nil {
		return nil, toStatus("list contacts", err)
	}
	return entriesResponse(entries)
}

// TailLogs returns the most recent daemon log lines held in memory.
func (s *ChatService) TailLogs(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.tail == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "log tail not enabled")
	}
	lines := s.tail.Lines(int(num(req, "lines")))
	list := make([]any, 0, len(lines))
	for _, l := range lines {
		list = append(list, l)
	}
	return structpb.NewStruct(map[string]any{"lines": list})
}

// WatchEvents streams bus events whose kind starts with the request's
// "namespace" until the client goes away.
func (s *ChatService) WatchEvents(req *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(str(req, "namespace"), 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(Event{
				ID:         uuid.New().String(),
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    payloadFields(evt.Payload),
			}.fields())
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func entriesResponse(entries []history.Entry) (*structpb.Struct, error) {
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{"id": e.ID, "name": e.Name})
	}
	return structpb.NewStruct(map[string]any{"entries": list})
}

func payloadFields(p any) map[string]any {
	switch v := p.(type) {
	case status.StatusChange:
		return map[string]any{"context": v.Context, "from": string(v.From), "to": string(v.To)}
	case bus.MessagesChanged:
		return map[string]any{"context": v.Context, "count": v.Count, "reason": v.Reason}
	case bus.SendFailed:
		return map[string]any{"context": v.Context, "provisional_id": v.ProvisionalID, "error": v.Err}
	case bus.HistoryFailed:
		return map[string]any{"context": v.Context, "error": v.Err}
	case bus.PresenceChanged:
		return map[string]any{"context": v.Context, "sender": v.Sender, "typing": v.Typing}
	case bus.ContextSelected:
		return map[string]any{"context": v.Context, "name": v.Name}
	default:
		return map[string]any{}
	}
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrEmptyContent):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrNoContext),
		errors.Is(err, outbox.ErrNotRetryable),
		errors.Is(err, transport.ErrNotOpen):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrStopped),
		errors.Is(err, history.ErrUnexpectedStatus):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
