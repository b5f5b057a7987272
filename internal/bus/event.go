package bus

import "time"

// Event kinds. Subscribers filter on a prefix, e.g. "message" matches both
// messages.changed and message.send_failed.
const (
	KindConnectionState = "connection.state_changed"
	KindContextSelected = "context.selected"
	KindMessagesChanged = "messages.changed"
	KindSendFailed      = "message.send_failed"
	KindPresenceChanged = "presence.changed"
	KindHistoryFailed   = "history.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagesChanged tells observers to re-read the timeline of Context.
type MessagesChanged struct {
	Context string
	Count   int
	Reason  string
}

// SendFailed reports a message that could not be written to the socket.
type SendFailed struct {
	Context       string
	ProvisionalID string
	Err           string
}

// HistoryFailed reports a failed historical fetch.
type HistoryFailed struct {
	Context string
	Err     string
}

// PresenceChanged reports a typing indicator change.
type PresenceChanged struct {
	Context string
	Sender  string
	Typing  bool
}

// ContextSelected reports a completed conversation switch.
type ContextSelected struct {
	Context string
	Name    string
}
