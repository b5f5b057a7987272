// Package engine is the messaging core: it owns the active conversation, its
// live connection, its timeline and its presence state, and serialises every
// change to them on a single event loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/sphere/internal/bus"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/outbox"
	"github.com/matheus3301/sphere/internal/presence"
	"github.com/matheus3301/sphere/internal/status"
	"github.com/matheus3301/sphere/internal/store"
	"github.com/matheus3301/sphere/internal/transport"
	"github.com/matheus3301/sphere/internal/wire"
	"go.uber.org/zap"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("engine stopped")

// HistorySource fetches the stored messages of a conversation.
type HistorySource interface {
	History(ctx context.Context, target conversation.Context) ([]store.Message, error)
}

// Options configures an Engine. Zero durations take the defaults below.
type Options struct {
	Identity        string
	Dialer          transport.Dialer
	History         HistorySource
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	TypingWindow    time.Duration
	PresenceTimeout time.Duration
	EchoWindow      time.Duration
	PingInterval    time.Duration
	FetchTimeout    time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = 3 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 2 * o.TypingWindow
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = 10 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
}

// Snapshot is a consistent view of the engine taken on the event loop.
type Snapshot struct {
	Context    conversation.Context
	State      status.State
	Messages   []store.Message
	Typing     presence.Entry
	HistoryErr error
}

// Engine runs the conversation context switcher and routes transport events
// into the store, the dispatcher and the presence tracker.
type Engine struct {
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger
	tracker *presence.Tracker

	ops    chan func()
	done   chan struct{}
	cancel context.CancelFunc

	// Owned by the event loop.
	runCtx      context.Context
	store       *store.Store
	dispatcher  *outbox.Dispatcher
	signaler    *presence.Signaler
	conn        *transport.Connection
	closing     []*transport.Connection
	active      conversation.Context
	state       status.State
	gen         uint64
	fetchCancel context.CancelFunc
	historyErr  error
}

// New creates an engine. Nothing happens until Start.
func New(opts Options, b *bus.Bus, logger *zap.Logger) *Engine {
	opts.applyDefaults()
	st := store.New(opts.Identity, opts.EchoWindow)
	e := &Engine{
		opts:       opts,
		bus:        b,
		logger:     logger,
		tracker:    presence.NewTracker(opts.Identity, opts.PresenceTimeout),
		ops:        make(chan func()),
		done:       make(chan struct{}),
		store:      st,
		dispatcher: outbox.NewDispatcher(st, b, logger),
		state:      status.Disconnected,
	}
	e.tracker.OnPresence("", func(entry presence.Entry) {
		b.Publish(bus.Event{
			Kind:    bus.KindPresenceChanged,
			Payload: bus.PresenceChanged{Context: entry.Context, Sender: entry.Sender, Typing: entry.Typing},
		})
	})
	return e
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.runCtx = ctx
	go e.run(ctx)
}

// Stop closes the active connection and waits for the loop and every
// connection it closed to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	// Connection handlers post to the loop, so they can only finish once
	// done is closed.
	for _, conn := range e.closing {
		e.logger.Debug("waiting for connection", zap.String("context", conn.Target().Key()))
		<-conn.Done()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case op := <-e.ops:
			op()
		case <-ctx.Done():
			e.teardown()
			e.logger.Info("engine stopped")
			return
		}
	}
}

// do runs fn on the event loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case e.ops <- op:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// post queues fn on the event loop without waiting. Used by goroutines the
// engine spawned: connection handlers and history fetches.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

// SelectContext switches the active conversation: the previous connection is
// closed, the timeline and presence state are cleared, the history fetch
// starts and a new connection opens. Selecting the active conversation again
// is a no-op. A later switch always wins over an earlier one.
func (e *Engine) SelectContext(ctx context.Context, target conversation.Context) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("select context: %w", err)
	}
	return e.do(ctx, func() { e.switchTo(target) })
}

// SendChatMessage records content as Pending and sends it when the
// connection is open. It returns the provisional id.
func (e *Engine) SendChatMessage(ctx context.Context, content string) (string, error) {
	var id string
	var sendErr error
	if err := e.do(ctx, func() {
		id, sendErr = e.dispatcher.SendChatMessage(e.active, content)
	}); err != nil {
		return "", err
	}
	return id, sendErr
}

// Retry re-sends a Pending or Failed message.
func (e *Engine) Retry(ctx context.Context, provisionalID string) error {
	var retryErr error
	if err := e.do(ctx, func() {
		retryErr = e.dispatcher.Retry(e.active, provisionalID)
	}); err != nil {
		return err
	}
	return retryErr
}

// Discard removes a Failed message.
func (e *Engine) Discard(ctx context.Context, provisionalID string) error {
	var discardErr error
	if err := e.do(ctx, func() {
		discardErr = e.dispatcher.Discard(e.active, provisionalID)
	}); err != nil {
		return err
	}
	return discardErr
}

// SignalTyping reports local typing activity for the active conversation.
func (e *Engine) SignalTyping(ctx context.Context, isTyping bool) error {
	var sigErr error
	if err := e.do(ctx, func() {
		if e.signaler == nil {
			sigErr = outbox.ErrNoContext
			return
		}
		e.signaler.SignalTyping(isTyping)
	}); err != nil {
		return err
	}
	return sigErr
}

// Messages returns the active timeline in display order.
func (e *Engine) Messages(ctx context.Context) ([]store.Message, error) {
	var msgs []store.Message
	err := e.do(ctx, func() { msgs = e.store.All() })
	return msgs, err
}

// Snapshot returns the active conversation, its connection state, timeline
// and typing indicator in one consistent read.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() {
		snap = Snapshot{
			Context:    e.active,
			State:      e.state,
			Messages:   e.store.All(),
			Typing:     e.tracker.Get(e.active.Key()),
			HistoryErr: e.historyErr,
		}
	})
	return snap, err
}

// Presence returns the typing indicator of a conversation.
func (e *Engine) Presence(contextKey string) presence.Entry {
	return e.tracker.Get(contextKey)
}

// OnPresence registers a callback for typing changes of contextKey, or of
// every conversation when contextKey is empty.
func (e *Engine) OnPresence(contextKey string, fn func(presence.Entry)) (cancel func()) {
	return e.tracker.OnPresence(contextKey, fn)
}

// Subscribe exposes the engine's events: connection.state_changed,
// messages.changed, presence.changed, message.send_failed, history.failed
// and context.selected.
func (e *Engine) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(namespace, bufSize)
}

func (e *Engine) switchTo(target conversation.Context) {
	if e.conn != nil && e.active.Same(target) {
		return
	}

	e.gen++
	gen := e.gen
	e.teardown()

	e.active = target
	e.state = status.Disconnected
	e.historyErr = nil
	e.store.Clear(target.Key())
	e.logger.Info("conversation selected", zap.String("context", target.Key()), zap.Uint64("generation", gen))
	e.bus.Publish(bus.Event{
		Kind:    bus.KindContextSelected,
		Payload: bus.ContextSelected{Context: target.Key(), Name: target.Name},
	})
	e.publishMessages("switch")

	if e.opts.History != nil {
		fctx, cancel := context.WithTimeout(e.runCtx, e.opts.FetchTimeout)
		e.fetchCancel = cancel
		go e.fetch(fctx, gen, target)
	}

	conn := transport.New(target, transport.Options{
		Dialer:       e.opts.Dialer,
		Policy:       transport.NewPolicy(e.opts.ReconnectBase, e.opts.ReconnectMax),
		Logger:       e.logger,
		PingInterval: e.opts.PingInterval,
		Handler: func(evt transport.Event) {
			e.post(func() { e.onTransport(gen, evt) })
		},
	})
	e.conn = conn
	e.dispatcher.Bind(conn)
	e.signaler = presence.NewSignaler(e.opts.TypingWindow, e.typingSender(conn, target), e.logger)
	if err := conn.Open(e.runCtx); err != nil {
		e.logger.Error("failed to open connection", zap.Error(err), zap.String("context", target.Key()))
	}
}

// teardown releases everything scoped to the active conversation. The
// connection's own close events carry a stale generation and are dropped.
func (e *Engine) teardown() {
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	if e.signaler != nil {
		e.signaler.Stop()
		e.signaler = nil
	}
	if e.conn != nil {
		e.conn.Close()
		e.closing = append(e.closing, e.conn)
		e.conn = nil
	}
	e.pruneClosed()
	e.dispatcher.Bind(nil)
	e.tracker.Reset()
}

func (e *Engine) pruneClosed() {
	live := e.closing[:0]
	for _, conn := range e.closing {
		select {
		case <-conn.Done():
		default:
			live = append(live, conn)
		}
	}
	clear(e.closing[len(live):])
	e.closing = live
}

func (e *Engine) fetch(ctx context.Context, gen uint64, target conversation.Context) {
	msgs, err := e.opts.History.History(ctx, target)
	e.post(func() {
		if gen != e.gen {
			e.logger.Debug("dropping stale history", zap.String("context", target.Key()))
			return
		}
		if e.fetchCancel != nil {
			e.fetchCancel()
			e.fetchCancel = nil
		}
		if err != nil {
			e.historyErr = err
			e.logger.Warn("history fetch failed", zap.Error(err), zap.String("context", target.Key()))
			e.bus.Publish(bus.Event{
				Kind:    bus.KindHistoryFailed,
				Payload: bus.HistoryFailed{Context: target.Key(), Err: err.Error()},
			})
			return
		}
		n := e.store.Seed(msgs)
		e.logger.Info("history loaded", zap.String("context", target.Key()), zap.Int("messages", len(msgs)), zap.Int("merged", n))
		e.publishMessages("history")
	})
}

func (e *Engine) onTransport(gen uint64, evt transport.Event) {
	if gen != e.gen {
		return
	}

	switch evt.Kind {
	case transport.EventMessage:
		e.ingest(evt.Chat)
	case transport.EventPresence:
		if evt.Typing.ContextID != e.active.Key() {
			e.logger.Debug("ignoring presence for another conversation", zap.String("context_id", evt.Typing.ContextID))
			return
		}
		e.tracker.Observe(evt.Typing.ContextID, evt.Typing.Sender, evt.Typing.IsTyping)
	case transport.EventState:
		e.state = evt.State.To
		e.bus.Publish(bus.Event{Kind: bus.KindConnectionState, Payload: evt.State})
	case transport.EventSendFailed:
		e.dispatcher.Fail(e.active, evt.Ref, evt.Err)
	case transport.EventError, transport.EventClosed:
		// Logged by the connection; recovery is the reconnection policy's job.
	}
}

func (e *Engine) ingest(c *wire.ChatMessage) {
	m := store.Message{
		ID:        c.ID,
		Sender:    c.Sender,
		Content:   c.Content,
		Timestamp: time.UnixMilli(c.Timestamp),
	}
	if c.Sender == e.opts.Identity {
		m.ProvisionalID = c.ClientID
	}
	if e.store.Reconcile(m) != store.Unchanged {
		e.publishMessages("inbound")
	}
}

func (e *Engine) typingSender(conn *transport.Connection, target conversation.Context) presence.SendFunc {
	ref := "typing:" + target.Key()
	return func(isTyping bool) error {
		data, err := wire.EncodeTyping(wire.TypingStatus{
			ContextID: target.Key(),
			Sender:    e.opts.Identity,
			IsTyping:  isTyping,
		})
		if err != nil {
			return err
		}
		return conn.Send(transport.Outbound{Ref: ref, Data: data})
	}
}

func (e *Engine) publishMessages(reason string) {
	e.bus.Publish(bus.Event{
		Kind: bus.KindMessagesChanged,
		Payload: bus.MessagesChanged{
			Context: e.active.Key(),
			Count:   e.store.Len(),
			Reason:  reason,
		},
	})
}
