package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aquilax/truncate"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/status"
	"github.com/matheus3301/sphere/internal/wire"
	"go.uber.org/zap"
)

// EventKind identifies what a Connection is reporting.
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventPresence
	EventError
	EventState
	EventSendFailed
	EventClosed
)

// Event is delivered asynchronously to the Connection's handler, always from
// the connection's own goroutines and in the order the socket produced it.
type Event struct {
	Kind    EventKind
	Context conversation.Context
	Chat    *wire.ChatMessage
	Typing  *wire.TypingStatus
	State   status.StatusChange
	Ref     string
	Err     error
}

// Outbound is a framed payload. Ref identifies the frame in send failure
// events; for chat messages it is the provisional id.
type Outbound struct {
	Ref  string
	Data []byte
}

// Options configures a Connection.
type Options struct {
	Dialer       Dialer
	Policy       *Policy
	Handler      func(Event)
	Logger       *zap.Logger
	PingInterval time.Duration // 0 disables keepalive pings
	WriteTimeout time.Duration
	SendBuffer   int
}

// Connection owns one live socket for one conversation. It redials with the
// reconnection policy after failures until Close is called. A closed
// Connection cannot be reopened.
type Connection struct {
	target  conversation.Context
	opts    Options
	machine *status.Machine
	logger  *zap.Logger
	sendCh  chan Outbound
	done    chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closing *status.StatusChange
}

// New creates a Connection in DISCONNECTED for target.
func New(target conversation.Context, opts Options) *Connection {
	if opts.Policy == nil {
		opts.Policy = NewPolicy(500*time.Millisecond, 30*time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Handler == nil {
		opts.Handler = func(Event) {}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Connection{
		target:  target,
		opts:    opts,
		machine: status.NewMachine(nil),
		logger:  opts.Logger.With(zap.String("context", target.Key())),
		sendCh:  make(chan Outbound, opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// Target returns the conversation this connection is scoped to.
func (c *Connection) Target() conversation.Context {
	return c.target
}

// State returns the current connection state.
func (c *Connection) State() status.State {
	return c.machine.Current()
}

// Done is closed once the connection's goroutines have exited after Close.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Open starts connecting in the background. Progress is reported through
// EventState events. Calling Open on a Connection that is not DISCONNECTED
// returns ErrAlreadyOpened.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Current() != status.Disconnected {
		return ErrAlreadyOpened
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		return ErrAlreadyOpened
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx, status.StatusChange{From: status.Disconnected, To: status.Connecting})
	return nil
}

// Send hands a frame to the write pump. It does not queue: frames are only
// accepted while OPEN.
func (c *Connection) Send(out Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Current() != status.Open {
		return ErrNotOpen
	}
	select {
	case c.sendCh <- out:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down without consulting the reconnection
// policy. It does not wait for the goroutines to exit; see Done.
func (c *Connection) Close() {
	c.mu.Lock()
	from := c.machine.Current()
	if err := c.machine.Transition(status.Closed); err != nil {
		c.mu.Unlock()
		return
	}
	c.closing = &status.StatusChange{From: from, To: status.Closed}
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel == nil {
		// Never opened, so there is no goroutine to report the close.
		close(c.done)
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info("connection closed")
}

func (c *Connection) run(ctx context.Context, opened status.StatusChange) {
	defer close(c.done)
	defer c.finish()

	c.emitState(opened)
	for {
		conn, err := c.opts.Dialer.Dial(ctx, c.target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("dial failed", zap.Error(err))
			c.emit(Event{Kind: EventError, Err: &TransportError{Op: "dial", Err: err}})
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.opts.Policy.Reset()
		c.logger.Info("connection open")

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.detach(conn)
			return
		}
		c.logger.Warn("connection lost", zap.Error(err))
		c.emit(Event{Kind: EventError, Err: &TransportError{Op: "read", Err: err}})
		if !c.enterReconnecting() {
			c.detach(conn)
			return
		}
		c.detach(conn)
		if !c.wait(ctx) {
			return
		}
	}
}

// attach publishes conn as the live socket and moves to OPEN.
func (c *Connection) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	from := c.machine.Current()
	if err := c.machine.Transition(status.Open); err != nil {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	c.emitState(status.StatusChange{From: from, To: status.Open})
	return true
}

// detach forgets conn and fails every frame still waiting in the send buffer.
func (c *Connection) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.drain()
}

func (c *Connection) backoff(ctx context.Context) bool {
	if !c.enterReconnecting() {
		return false
	}
	return c.wait(ctx)
}

func (c *Connection) enterReconnecting() bool {
	c.mu.Lock()
	from := c.machine.Current()
	if from == status.Reconnecting {
		c.mu.Unlock()
		return true
	}
	if err := c.machine.Transition(status.Reconnecting); err != nil {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.emitState(status.StatusChange{From: from, To: status.Reconnecting})
	return true
}

// wait sleeps for the policy's delay. The timer is dropped if the connection
// is closed meanwhile.
func (c *Connection) wait(ctx context.Context) bool {
	d := c.opts.Policy.Decide()
	if d.GiveUp {
		c.giveUp()
		return false
	}
	c.logger.Info("reconnecting", zap.Duration("delay", d.Delay))

	t := time.NewTimer(d.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) giveUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.machine.Current()
	if err := c.machine.Transition(status.Closed); err == nil {
		c.closing = &status.StatusChange{From: from, To: status.Closed}
	}
}

func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(ctx, conn, stop)
	}()
	defer func() {
		close(stop)
		<-pumpDone
	}()

	var pongWait time.Duration
	if c.opts.PingInterval > 0 {
		pongWait = 2 * c.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if pongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		c.dispatch(data)
	}
}

func (c *Connection) writePump(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-stop:
			return
		case out := <-c.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, out.Data); err != nil {
				c.logger.Warn("write failed", zap.String("ref", out.Ref), zap.Error(err))
				c.emit(Event{Kind: EventSendFailed, Ref: out.Ref, Err: &SendError{Ref: out.Ref, Err: err}})
				_ = conn.Close()
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Connection) dispatch(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("dropping inbound frame", zap.Error(err),
			zap.String("data", truncate.Truncate(fmt.Sprintf("%q", data), 64, "...", truncate.PositionMiddle)))
		return
	}
	switch f.Type {
	case wire.TypeChatMessage:
		c.emit(Event{Kind: EventMessage, Chat: f.Chat})
	case wire.TypeTypingStatus:
		c.emit(Event{Kind: EventPresence, Typing: f.Typing})
	}
}

func (c *Connection) drain() {
	for {
		select {
		case out := <-c.sendCh:
			c.emit(Event{Kind: EventSendFailed, Ref: out.Ref, Err: &SendError{Ref: out.Ref, Err: ErrNotOpen}})
		default:
			return
		}
	}
}

func (c *Connection) finish() {
	c.drain()
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing != nil {
		c.emitState(*closing)
	}
	c.emit(Event{Kind: EventClosed})
}

func (c *Connection) emitState(change status.StatusChange) {
	change.Context = c.target.Key()
	c.emit(Event{Kind: EventState, State: change})
}

func (c *Connection) emit(evt Event) {
	evt.Context = c.target
	c.opts.Handler(evt)
}
