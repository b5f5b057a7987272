// Package outbox validates and frames outgoing chat messages. Messages are
// recorded optimistically as Pending before anything touches the socket.
package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/sphere/internal/bus"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/status"
	"github.com/matheus3301/sphere/internal/store"
	"github.com/matheus3301/sphere/internal/transport"
	"github.com/matheus3301/sphere/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrEmptyContent rejects blank messages. Nothing is recorded or sent.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNoContext rejects sends while no conversation is selected.
	ErrNoContext = errors.New("no conversation selected")
	// ErrNotFound is returned for unknown provisional ids.
	ErrNotFound = errors.New("message not found")
	// ErrNotRetryable is returned when retrying or discarding a message in
	// the wrong delivery state.
	ErrNotRetryable = errors.New("message is not pending or failed")
)

// FrameSender is the part of a transport connection the dispatcher writes to.
type FrameSender interface {
	State() status.State
	Send(transport.Outbound) error
}

// Dispatcher turns user input into Pending messages and socket frames. It is
// not safe for concurrent use; the engine drives it from its event loop.
type Dispatcher struct {
	store    *store.Store
	bus      *bus.Bus
	logger   *zap.Logger
	identity string
	conn     FrameSender

	newID func() string
	now   func() time.Time
}

// NewDispatcher creates a dispatcher writing into st.
func NewDispatcher(st *store.Store, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		bus:      b,
		logger:   logger,
		identity: st.Identity(),
		newID:    func() string { return "local-" + uuid.NewString() },
		now:      time.Now,
	}
}

// Bind points the dispatcher at the connection of the active conversation.
// nil detaches it.
func (d *Dispatcher) Bind(conn FrameSender) {
	d.conn = conn
}

// SendChatMessage records content as a Pending message and writes it to the
// socket if the connection is open. A closed or reconnecting connection
// leaves the message Pending for an explicit Retry.
func (d *Dispatcher) SendChatMessage(target conversation.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if target.IsZero() {
		return "", ErrNoContext
	}

	id := d.newID()
	msg := store.Message{
		ID:            id,
		ProvisionalID: id,
		Sender:        d.identity,
		Content:       content,
		Timestamp:     d.now(),
		State:         store.Pending,
		FromMe:        true,
	}
	d.store.Append(msg)
	d.changed(target, "pending")

	if !d.open() {
		d.logger.Info("connection not open, message left pending",
			zap.String("provisional_id", id), zap.String("context", target.Key()))
		return id, nil
	}
	if err := d.transmit(msg); err != nil {
		d.Fail(target, id, err)
	}
	return id, nil
}

// Retry re-sends a Pending or Failed message. It requires an open
// connection and leaves the message untouched otherwise.
func (d *Dispatcher) Retry(target conversation.Context, provisionalID string) error {
	msg, ok := d.store.Get(provisionalID)
	if !ok || msg.ProvisionalID != provisionalID {
		return fmt.Errorf("retry %s: %w", provisionalID, ErrNotFound)
	}
	if msg.State == store.Confirmed {
		return fmt.Errorf("retry %s: %w", provisionalID, ErrNotRetryable)
	}
	if !d.open() {
		return fmt.Errorf("retry %s: %w", provisionalID, transport.ErrNotOpen)
	}

	if msg.State == store.Failed {
		d.store.MarkPending(provisionalID)
		d.changed(target, "retry")
	}
	if err := d.transmit(msg); err != nil {
		d.Fail(target, provisionalID, err)
		return fmt.Errorf("retry %s: %w", provisionalID, err)
	}
	d.logger.Info("message resent", zap.String("provisional_id", provisionalID))
	return nil
}

// Discard drops a Failed message from the timeline.
func (d *Dispatcher) Discard(target conversation.Context, provisionalID string) error {
	msg, ok := d.store.Get(provisionalID)
	if !ok || msg.ProvisionalID != provisionalID {
		return fmt.Errorf("discard %s: %w", provisionalID, ErrNotFound)
	}
	if !d.store.Discard(provisionalID) {
		return fmt.Errorf("discard %s: %w", provisionalID, ErrNotRetryable)
	}
	d.changed(target, "discard")
	return nil
}

// Fail marks a message Failed after the transport could not write it.
func (d *Dispatcher) Fail(target conversation.Context, provisionalID string, cause error) {
	msg, ok := d.store.Get(provisionalID)
	if !ok || msg.State != store.Pending || !d.store.MarkFailed(provisionalID) {
		return
	}
	d.logger.Error("failed to send message", zap.Error(cause), zap.String("provisional_id", provisionalID))
	d.bus.Publish(bus.Event{
		Kind: bus.KindSendFailed,
		Payload: bus.SendFailed{
			Context:       target.Key(),
			ProvisionalID: provisionalID,
			Err:           cause.Error(),
		},
	})
	d.changed(target, "failed")
}

func (d *Dispatcher) open() bool {
	return d.conn != nil && d.conn.State() == status.Open
}

func (d *Dispatcher) transmit(msg store.Message) error {
	data, err := wire.EncodeChat(wire.ChatMessage{
		ClientID:  msg.ProvisionalID,
		Content:   msg.Content,
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return d.conn.Send(transport.Outbound{Ref: msg.ProvisionalID, Data: data})
}

func (d *Dispatcher) changed(target conversation.Context, reason string) {
	d.bus.Publish(bus.Event{
		Kind: bus.KindMessagesChanged,
		Payload: bus.MessagesChanged{
			Context: target.Key(),
			Count:   d.store.Len(),
			Reason:  reason,
		},
	})
}
