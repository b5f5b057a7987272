package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/sphere/internal/bus"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/status"
	"github.com/matheus3301/sphere/internal/store"
	"github.com/matheus3301/sphere/internal/transport"
	"github.com/matheus3301/sphere/internal/wire"
	"go.uber.org/zap"
)

// mockConn records frames and returns configurable results.
type mockConn struct {
	state  status.State
	err    error
	frames []transport.Outbound
}

func (m *mockConn) State() status.State { return m.state }

func (m *mockConn) Send(out transport.Outbound) error {
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, out)
	return nil
}

var group = conversation.NewGroup("1", "general")

func newTestDispatcher(t *testing.T, conn *mockConn) (*Dispatcher, *store.Store, *bus.Bus) {
	t.Helper()
	st := store.New("me", 5*time.Second)
	st.Clear(group.Key())
	b := bus.New()
	d := NewDispatcher(st, b, zap.NewNop())
	n := 0
	d.newID = func() string { n++; return fmt.Sprintf("local-%d", n) }
	d.now = func() time.Time { return time.UnixMilli(1000) }
	if conn != nil {
		d.Bind(conn)
	}
	return d, st, b
}

func TestSendWhileOpen(t *testing.T) {
	conn := &mockConn{state: status.Open}
	d, st, _ := newTestDispatcher(t, conn)

	id, err := d.SendChatMessage(group, "hello")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if id != "local-1" {
		t.Errorf("id = %q, want local-1", id)
	}

	msgs := st.All()
	if len(msgs) != 1 || msgs[0].State != store.Pending || !msgs[0].FromMe || msgs[0].Sender != "me" {
		t.Fatalf("store = %+v", msgs)
	}
	if len(conn.frames) != 1 || conn.frames[0].Ref != id {
		t.Fatalf("frames = %+v", conn.frames)
	}
	var frame wire.ChatMessage
	if err := json.Unmarshal(conn.frames[0].Data, &frame); err != nil {
		t.Fatalf("frame is not json: %v", err)
	}
	want := wire.ChatMessage{Type: wire.TypeChatMessage, ClientID: id, Content: "hello", Sender: "me", Timestamp: 1000}
	if frame != want {
		t.Errorf("frame = %+v, want %+v", frame, want)
	}
}

func TestSendValidation(t *testing.T) {
	conn := &mockConn{state: status.Open}
	d, st, _ := newTestDispatcher(t, conn)

	tests := []struct {
		name    string
		target  conversation.Context
		content string
		want    error
	}{
		{name: "empty", target: group, content: "", want: ErrEmptyContent},
		{name: "whitespace", target: group, content: " \n\t ", want: ErrEmptyContent},
		{name: "no context", target: conversation.Context{}, content: "hi", want: ErrNoContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.SendChatMessage(tt.target, tt.content); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if st.Len() != 0 || len(conn.frames) != 0 {
		t.Errorf("rejected sends changed state: store=%d frames=%d", st.Len(), len(conn.frames))
	}
}

func TestSendWhileReconnectingStaysPending(t *testing.T) {
	conn := &mockConn{state: status.Reconnecting}
	d, st, _ := newTestDispatcher(t, conn)

	id, err := d.SendChatMessage(group, "later")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if len(conn.frames) != 0 {
		t.Errorf("frame written while reconnecting")
	}
	if m, _ := st.Get(id); m.State != store.Pending {
		t.Errorf("state = %s, want pending", m.State)
	}
}

func TestSendWithoutConnectionStaysPending(t *testing.T) {
	d, st, _ := newTestDispatcher(t, nil)
	if _, err := d.SendChatMessage(group, "hi"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if st.Len() != 1 {
		t.Errorf("store len = %d, want 1", st.Len())
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	conn := &mockConn{state: status.Open, err: transport.ErrSendBufferFull}
	d, st, b := newTestDispatcher(t, conn)
	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	id, err := d.SendChatMessage(group, "hi")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if m, _ := st.Get(id); m.State != store.Failed {
		t.Errorf("state = %s, want failed", m.State)
	}

	select {
	case evt := <-ch:
		p := evt.Payload.(bus.SendFailed)
		if p.ProvisionalID != id || p.Context != group.Key() {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed")
	}
}

func TestRetryFailedMessage(t *testing.T) {
	conn := &mockConn{state: status.Open, err: errors.New("broken pipe")}
	d, st, _ := newTestDispatcher(t, conn)
	id, _ := d.SendChatMessage(group, "hi")

	conn.err = nil
	if err := d.Retry(group, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if m, _ := st.Get(id); m.State != store.Pending {
		t.Errorf("state after retry = %s, want pending", m.State)
	}
	if len(conn.frames) != 1 || conn.frames[0].Ref != id {
		t.Errorf("frames = %+v", conn.frames)
	}
}

func TestRetryRequiresOpenConnection(t *testing.T) {
	conn := &mockConn{state: status.Open, err: errors.New("broken pipe")}
	d, st, _ := newTestDispatcher(t, conn)
	id, _ := d.SendChatMessage(group, "hi")

	conn.state = status.Reconnecting
	if err := d.Retry(group, id); !errors.Is(err, transport.ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
	if m, _ := st.Get(id); m.State != store.Failed {
		t.Errorf("state = %s, want failed unchanged", m.State)
	}
}

func TestRetryUnknownAndConfirmed(t *testing.T) {
	conn := &mockConn{state: status.Open}
	d, st, _ := newTestDispatcher(t, conn)

	if err := d.Retry(group, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown: err = %v, want ErrNotFound", err)
	}

	id, _ := d.SendChatMessage(group, "hi")
	st.Reconcile(store.Message{ID: "S1", ProvisionalID: id, Sender: "me", Content: "hi", Timestamp: time.UnixMilli(1000)})
	if err := d.Retry(group, id); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("confirmed: err = %v, want ErrNotRetryable", err)
	}
}

func TestDiscard(t *testing.T) {
	conn := &mockConn{state: status.Open}
	d, st, _ := newTestDispatcher(t, conn)

	id, _ := d.SendChatMessage(group, "hi")
	if err := d.Discard(group, id); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("discard pending: err = %v, want ErrNotRetryable", err)
	}

	d.Fail(group, id, errors.New("write: broken pipe"))
	if err := d.Discard(group, id); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if st.Len() != 0 {
		t.Errorf("store len = %d, want 0", st.Len())
	}
	if err := d.Discard(group, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second discard: err = %v, want ErrNotFound", err)
	}
}

func TestFailPublishesOnlyOnce(t *testing.T) {
	conn := &mockConn{state: status.Open}
	d, _, b := newTestDispatcher(t, conn)
	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	id, _ := d.SendChatMessage(group, "hi")
	d.Fail(group, id, errors.New("x"))
	d.Fail(group, id, errors.New("x"))

	if len(ch) != 1 {
		t.Errorf("got %d send_failed events, want 1", len(ch))
	}
}
