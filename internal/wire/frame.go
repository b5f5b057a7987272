package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Frame types carried on the chat socket.
const (
	TypeChatMessage  = "chat.message"
	TypeTypingStatus = "typing.status"
)

// ErrMalformed is returned for frames that cannot be decoded into a known type.
var ErrMalformed = errors.New("malformed frame")

// ChatMessage is a chat.message frame. Inbound frames carry the server id;
// outbound frames carry the provisional id as ClientID so the backend can echo it.
type ChatMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// TypingStatus is a typing.status frame.
type TypingStatus struct {
	Type      string `json:"type"`
	ContextID string `json:"contextId"`
	Sender    string `json:"sender,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

// Frame is a decoded inbound frame. Exactly one of Chat and Typing is set,
// matching Type.
type Frame struct {
	Type   string
	Chat   *ChatMessage
	Typing *TypingStatus
}

// Decode parses a raw socket payload. The type tag is read first so unknown
// or truncated frames are rejected without a full unmarshal.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	tag := gjson.GetBytes(data, "type")
	if !tag.Exists() {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch tag.String() {
	case TypeChatMessage:
		var m ChatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.ID == "" || m.Sender == "" || m.Timestamp <= 0 {
			return Frame{}, fmt.Errorf("%w: chat.message requires id, sender and timestamp", ErrMalformed)
		}
		return Frame{Type: TypeChatMessage, Chat: &m}, nil
	case TypeTypingStatus:
		if !gjson.GetBytes(data, "isTyping").IsBool() {
			return Frame{}, fmt.Errorf("%w: typing.status requires boolean isTyping", ErrMalformed)
		}
		var s TypingStatus
		if err := json.Unmarshal(data, &s); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if strings.TrimSpace(s.ContextID) == "" {
			return Frame{}, fmt.Errorf("%w: typing.status requires contextId", ErrMalformed)
		}
		return Frame{Type: TypeTypingStatus, Typing: &s}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, tag.String())
	}
}

// EncodeChat marshals an outbound chat message.
func EncodeChat(m ChatMessage) ([]byte, error) {
	m.Type = TypeChatMessage
	return json.Marshal(m)
}

// EncodeTyping marshals an outbound typing status.
func EncodeTyping(s TypingStatus) ([]byte, error) {
	s.Type = TypeTypingStatus
	return json.Marshal(s)
}
