package api

import (
	"time"

	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// ContextInfo describes a conversation as seen by clients.
type ContextInfo struct {
	Kind string
	ID   string
	Name string
	Key  string
}

// Message is one timeline entry.
type Message struct {
	ID            string
	ProvisionalID string
	Sender        string
	Content       string
	Timestamp     time.Time
	State         string
	FromMe        bool
}

// Status is the daemon's view of the active conversation.
type Status struct {
	Session       string
	Identity      string
	State         string
	Context       ContextInfo
	Uptime        time.Duration
	Messages      int
	Pending       int
	Failed        int
	TypingSender  string
	Typing        bool
	HistoryError  string
	DroppedEvents uint64
}

// Entry is a group or contact from the backend directory.
type Entry struct {
	ID   string
	Name string
}

// Event is one bus event delivered by WatchEvents.
type Event struct {
	ID         string
	Kind       string
	OccurredAt time.Time
	Payload    map[string]any
}

func contextInfo(c conversation.Context) ContextInfo {
	return ContextInfo{Kind: string(c.Kind), ID: c.ID(), Name: c.Name, Key: c.Key()}
}

func messageInfo(m store.Message) Message {
	return Message{
		ID:            m.ID,
		ProvisionalID: m.ProvisionalID,
		Sender:        m.Sender,
		Content:       m.Content,
		Timestamp:     m.Timestamp,
		State:         string(m.State),
		FromMe:        m.FromMe,
	}
}

func (c ContextInfo) fields() map[string]any {
	return map[string]any{"kind": c.Kind, "id": c.ID, "name": c.Name, "key": c.Key}
}

func (m Message) fields() map[string]any {
	return map[string]any{
		"id":             m.ID,
		"provisional_id": m.ProvisionalID,
		"sender":         m.Sender,
		"content":        m.Content,
		"timestamp_ms":   m.Timestamp.UnixMilli(),
		"state":          m.State,
		"from_me":        m.FromMe,
	}
}

func (s Status) fields() map[string]any {
	return map[string]any{
		"session":        s.Session,
		"identity":       s.Identity,
		"state":          s.State,
		"context":        s.Context.fields(),
		"uptime_ms":      s.Uptime.Milliseconds(),
		"messages":       s.Messages,
		"pending":        s.Pending,
		"failed":         s.Failed,
		"typing_sender":  s.TypingSender,
		"typing":         s.Typing,
		"history_error":  s.HistoryError,
		"dropped_events": s.DroppedEvents,
	}
}

func (e Event) fields() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":             e.ID,
		"kind":           e.Kind,
		"occurred_at_ms": e.OccurredAt.UnixMilli(),
		"payload":        payload,
	}
}

// DecodeContext reads the "context" field of a response.
func DecodeContext(s *structpb.Struct) ContextInfo {
	return contextFrom(field(s, "context").GetStructValue())
}

func contextFrom(s *structpb.Struct) ContextInfo {
	return ContextInfo{
		Kind: str(s, "kind"),
		ID:   str(s, "id"),
		Name: str(s, "name"),
		Key:  str(s, "key"),
	}
}

// DecodeMessages reads the "messages" list of a ListMessages response.
func DecodeMessages(s *structpb.Struct) []Message {
	var out []Message
	for _, v := range field(s, "messages").GetListValue().GetValues() {
		m := v.GetStructValue()
		out = append(out, Message{
			ID:            str(m, "id"),
			ProvisionalID: str(m, "provisional_id"),
			Sender:        str(m, "sender"),
			Content:       str(m, "content"),
			Timestamp:     time.UnixMilli(int64(num(m, "timestamp_ms"))),
			State:         str(m, "state"),
			FromMe:        flag(m, "from_me"),
		})
	}
	return out
}

// DecodeStatus reads a GetStatus response.
func DecodeStatus(s *structpb.Struct) Status {
	return Status{
		Session:       str(s, "session"),
		Identity:      str(s, "identity"),
		State:         str(s, "state"),
		Context:       DecodeContext(s),
		Uptime:        time.Duration(num(s, "uptime_ms")) * time.Millisecond,
		Messages:      int(num(s, "messages")),
		Pending:       int(num(s, "pending")),
		Failed:        int(num(s, "failed")),
		TypingSender:  str(s, "typing_sender"),
		Typing:        flag(s, "typing"),
		HistoryError:  str(s, "history_error"),
		DroppedEvents: uint64(num(s, "dropped_events")),
	}
}

// DecodeEntries reads the "entries" list of a directory response.
func DecodeEntries(s *structpb.Struct) []Entry {
	var out []Entry
	for _, v := range field(s, "entries").GetListValue().GetValues() {
		e := v.GetStructValue()
		out = append(out, Entry{ID: str(e, "id"), Name: str(e, "name")})
	}
	return out
}

// DecodeLines reads the "lines" list of a TailLogs response.
func DecodeLines(s *structpb.Struct) []string {
	var out []string
	for _, v := range field(s, "lines").GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

// DecodeEvent reads one WatchEvents message.
func DecodeEvent(s *structpb.Struct) Event {
	return Event{
		ID:         str(s, "id"),
		Kind:       str(s, "kind"),
		OccurredAt: time.UnixMilli(int64(num(s, "occurred_at_ms"))),
		Payload:    field(s, "payload").GetStructValue().AsMap(),
	}
}

func field(s *structpb.Struct, key string) *structpb.Value {
	if s == nil {
		return nil
	}
	return s.GetFields()[key]
}

func str(s *structpb.Struct, key string) string {
	return field(s, key).GetStringValue()
}

func num(s *structpb.Struct, key string) float64 {
	return field(s, key).GetNumberValue()
}

func flag(s *structpb.Struct, key string) bool {
	return field(s, key).GetBoolValue()
}
