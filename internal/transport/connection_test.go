package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/sphere/internal/chattest"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/status"
	"github.com/matheus3301/sphere/internal/wire"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) handle(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	select {
	case r.ch <- evt:
	default:
	}
}

// waitFor returns the first event satisfying match, failing the test after a
// timeout.
func (r *recorder) waitFor(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-r.ch:
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
			return Event{}
		}
	}
}

func (r *recorder) states() []status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []status.State
	for _, evt := range r.events {
		if evt.Kind == EventState {
			out = append(out, evt.State.To)
		}
	}
	return out
}

func isState(s status.State) func(Event) bool {
	return func(evt Event) bool { return evt.Kind == EventState && evt.State.To == s }
}

func isKind(k EventKind) func(Event) bool {
	return func(evt Event) bool { return evt.Kind == k }
}

func newTestConnection(t *testing.T, srv *chattest.Server, target conversation.Context, rec *recorder) *Connection {
	t.Helper()
	c := New(target, Options{
		Dialer:  NewWebsocketDialer(srv.WSURL, "tok", time.Second),
		Policy:  NewPolicy(10*time.Millisecond, 40*time.Millisecond),
		Handler: rec.handle,
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		c.Close()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Error("connection goroutines did not exit")
		}
	})
	return c
}

func TestOpenReachesOpen(t *testing.T) {
	srv := chattest.New(t)
	rec := newRecorder()
	target := conversation.NewGroup("42", "general")
	c := newTestConnection(t, srv, target, rec)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitFor(t, "OPEN", isState(status.Open))

	if c.State() != status.Open {
		t.Errorf("State = %s, want OPEN", c.State())
	}
	select {
	case key := <-srv.Connected():
		if key != "group:42" {
			t.Errorf("server saw context %q, want group:42", key)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the socket")
	}
	if got := srv.AuthHeaders(); len(got) == 0 || got[0] != "Bearer tok" {
		t.Errorf("auth headers = %v, want [Bearer tok]", got)
	}

	want := []status.State{status.Connecting, status.Open}
	got := rec.states()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestOpenTwiceIsMisuse(t *testing.T) {
	srv := chattest.New(t)
	c := newTestConnection(t, srv, conversation.NewGroup("1", ""), newRecorder())

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrAlreadyOpened) {
		t.Errorf("second Open = %v, want ErrAlreadyOpened", err)
	}
}

func TestSendBeforeOpenFails(t *testing.T) {
	c := New(conversation.NewGroup("1", ""), Options{Dialer: NewWebsocketDialer("ws://127.0.0.1:1/ws", "", time.Second)})
	if err := c.Send(Outbound{Ref: "x", Data: []byte(`{}`)}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send = %v, want ErrNotOpen", err)
	}
}

func TestInboundFramesAreDelivered(t *testing.T) {
	srv := chattest.New(t)
	rec := newRecorder()
	c := newTestConnection(t, srv, conversation.NewPrivate("bob", ""), rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "OPEN", isState(status.Open))

	// Malformed and unknown frames are dropped without breaking the stream.
	srv.Broadcast("private:bob", []byte(`{not json`))
	srv.Broadcast("private:bob", []byte(`{"type":"read.receipt"}`))
	srv.BroadcastChat("private:bob", wire.ChatMessage{ID: "s1", Sender: "bob", Content: "hi", Timestamp: 1000})
	srv.BroadcastTyping("private:bob", "bob", true)

	msg := rec.waitFor(t, "message", isKind(EventMessage))
	if msg.Chat.ID != "s1" || msg.Chat.Content != "hi" {
		t.Errorf("message = %+v", msg.Chat)
	}
	if !msg.Context.Same(conversation.NewPrivate("bob", "")) {
		t.Errorf("event context = %v", msg.Context)
	}
	pres := rec.waitFor(t, "presence", isKind(EventPresence))
	if !pres.Typing.IsTyping || pres.Typing.Sender != "bob" {
		t.Errorf("presence = %+v", pres.Typing)
	}
}

func TestSendWritesFrame(t *testing.T) {
	srv := chattest.New(t)
	srv.SetEcho(false)
	rec := newRecorder()
	c := newTestConnection(t, srv, conversation.NewGroup("7", ""), rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "OPEN", isState(status.Open))

	data, _ := wire.EncodeChat(wire.ChatMessage{ClientID: "local-1", Content: "yo", Sender: "me", Timestamp: 5})
	if err := c.Send(Outbound{Ref: "local-1", Data: data}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case in := <-srv.Inbound():
		if in.Context != "group:7" || string(in.Data) != string(data) {
			t.Errorf("server received %s on %s", in.Data, in.Context)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached server")
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	srv := chattest.New(t)
	rec := newRecorder()
	c := newTestConnection(t, srv, conversation.NewGroup("9", ""), rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "OPEN", isState(status.Open))

	srv.DropAll()

	rec.waitFor(t, "transport error", isKind(EventError))
	rec.waitFor(t, "RECONNECTING", isState(status.Reconnecting))
	rec.waitFor(t, "OPEN again", isState(status.Open))

	if err := c.Send(Outbound{Ref: "r", Data: []byte(`{"type":"typing.status","contextId":"group:9","isTyping":true}`)}); err != nil {
		t.Errorf("Send after reconnect: %v", err)
	}
}

// severingDialer remembers the first socket it hands out so a test can cut it
// underneath the connection.
type severingDialer struct {
	Dialer
	mu    sync.Mutex
	first *websocket.Conn
}

func (d *severingDialer) Dial(ctx context.Context, target conversation.Context) (*websocket.Conn, error) {
	conn, err := d.Dialer.Dial(ctx, target)
	if err == nil {
		d.mu.Lock()
		if d.first == nil {
			d.first = conn
		}
		d.mu.Unlock()
	}
	return conn, err
}

func (d *severingDialer) sever() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.first != nil {
		_ = d.first.UnderlyingConn().Close()
	}
}

func TestBufferedFramesFailWhenSocketDies(t *testing.T) {
	srv := chattest.New(t)
	srv.SetEcho(false)
	rec := newRecorder()
	dialer := &severingDialer{Dialer: NewWebsocketDialer(srv.WSURL, "tok", time.Second)}

	refs := []string{"local-1", "local-2", "local-3"}
	var c *Connection
	var once sync.Once
	c = New(conversation.NewGroup("5", ""), Options{
		Dialer: dialer,
		Policy: NewPolicy(10*time.Millisecond, 40*time.Millisecond),
		Handler: func(evt Event) {
			// Runs before the write pump starts, so the frames are still
			// buffered when the socket goes away.
			if evt.Kind == EventState && evt.State.To == status.Open {
				once.Do(func() {
					for _, ref := range refs {
						if err := c.Send(Outbound{Ref: ref, Data: []byte(`{"type":"chat.message"}`)}); err != nil {
							t.Errorf("Send(%s): %v", ref, err)
						}
					}
					dialer.sever()
				})
			}
			rec.handle(evt)
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	failed := map[string]bool{}
	for range refs {
		evt := rec.waitFor(t, "send failure", isKind(EventSendFailed))
		var se *SendError
		if !errors.As(evt.Err, &se) || se.Ref != evt.Ref {
			t.Errorf("send failure err = %v for ref %q", evt.Err, evt.Ref)
		}
		if failed[evt.Ref] {
			t.Errorf("ref %q failed twice", evt.Ref)
		}
		failed[evt.Ref] = true
	}
	for _, ref := range refs {
		if !failed[ref] {
			t.Errorf("no send failure for %q", ref)
		}
	}

	rec.waitFor(t, "OPEN after redial", isState(status.Open))
}

func TestFirstDialFailureRetries(t *testing.T) {
	srv := chattest.New(t)
	srv.RejectDials(true)
	rec := newRecorder()
	c := newTestConnection(t, srv, conversation.NewGroup("3", ""), rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	evt := rec.waitFor(t, "dial error", isKind(EventError))
	var te *TransportError
	if !errors.As(evt.Err, &te) || te.Op != "dial" {
		t.Errorf("error = %v, want dial TransportError", evt.Err)
	}
	rec.waitFor(t, "RECONNECTING", isState(status.Reconnecting))

	srv.RejectDials(false)
	rec.waitFor(t, "OPEN", isState(status.Open))
}

func TestCloseStopsRetrying(t *testing.T) {
	srv := chattest.New(t)
	srv.RejectDials(true)
	rec := newRecorder()
	c := newTestConnection(t, srv, conversation.NewGroup("5", ""), rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "RECONNECTING", isState(status.Reconnecting))

	c.Close()
	rec.waitFor(t, "CLOSED", isState(status.Closed))
	rec.waitFor(t, "closed event", isKind(EventClosed))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("goroutines did not exit")
	}

	// No dials after close: the backoff timer is gone.
	before := len(srv.AuthHeaders())
	time.Sleep(100 * time.Millisecond)
	if after := len(srv.AuthHeaders()); after != before {
		t.Errorf("dialed %d more times after Close", after-before)
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrAlreadyOpened) {
		t.Errorf("reopen after close = %v, want ErrAlreadyOpened", err)
	}
}

func TestCloseOpenConnection(t *testing.T) {
	srv := chattest.New(t)
	rec := newRecorder()
	c := newTestConnection(t, srv, conversation.NewGroup("6", ""), rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "OPEN", isState(status.Open))

	c.Close()
	evt := rec.waitFor(t, "CLOSED", isState(status.Closed))
	if evt.State.From != status.Open {
		t.Errorf("closed from %s, want OPEN", evt.State.From)
	}
	if err := c.Send(Outbound{Ref: "x"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after Close = %v, want ErrNotOpen", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Peers("group:6") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server socket still open after Close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseNeverOpened(t *testing.T) {
	c := New(conversation.NewGroup("1", ""), Options{})
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed for a never-opened connection")
	}
	if c.State() != status.Closed {
		t.Errorf("State = %s, want CLOSED", c.State())
	}
}
