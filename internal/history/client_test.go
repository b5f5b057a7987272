package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/sphere/internal/chattest"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/store"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(url, "tok", 2*time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestHistoryGroup(t *testing.T) {
	srv := chattest.New(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.SetHistory("group:42",
		chattest.HistoryMessage{ID: "1", Sender: "ann", Content: "first", Timestamp: t0},
		chattest.HistoryMessage{ID: "2", Sender: "bob", Content: "second", Timestamp: t0.Add(time.Minute)},
	)

	msgs, err := newClient(t, srv.URL).History(context.Background(), conversation.NewGroup("42", ""))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[0].Sender != "ann" || !msgs[0].Timestamp.Equal(t0) {
		t.Errorf("first = %+v", msgs[0])
	}
	for _, m := range msgs {
		if m.State != store.Confirmed {
			t.Errorf("message %s state = %s, want confirmed", m.ID, m.State)
		}
	}
}

func TestHistoryPrivateUsesRecipient(t *testing.T) {
	srv := chattest.New(t)
	srv.SetHistory("private:bob", chattest.HistoryMessage{ID: "9", Sender: "bob", Content: "hey", Timestamp: time.Now()})

	msgs, err := newClient(t, srv.URL).History(context.Background(), conversation.NewPrivate("bob", ""))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "9" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestHistoryFailureIsFetchError(t *testing.T) {
	srv := chattest.New(t)
	srv.FailHistory("group:1", http.StatusBadGateway)

	_, err := newClient(t, srv.URL).History(context.Background(), conversation.NewGroup("1", ""))
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if fe.Status != http.StatusBadGateway || fe.Context != "group:1" {
		t.Errorf("FetchError = %+v", fe)
	}
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Error("FetchError does not unwrap to ErrUnexpectedStatus")
	}
}

func TestHistoryCancelled(t *testing.T) {
	srv := chattest.New(t)
	srv.SetHistoryDelay("group:1", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv.URL).History(ctx, conversation.NewGroup("1", ""))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestHistoryAcceptsNumericFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/get-group-messages/" || r.URL.Query().Get("group_id") != "3" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":17,"sender":"ann","content":"x","timestamp":1700000000000}]}`))
	}))
	defer srv.Close()

	msgs, err := newClient(t, srv.URL).History(context.Background(), conversation.NewGroup("3", ""))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "17" || msgs[0].Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestHistorySkipsMalformedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"1","sender":"ann","content":"before","timestamp":"2024-05-01T12:00:00Z"},
			{"id":"2","sender":"ann","content":"no time"},
			{"id":"3","sender":"bob","content":"after","timestamp":"2024-05-01T12:01:00Z"}
		]}`))
	}))
	defer srv.Close()

	msgs, err := newClient(t, srv.URL).History(context.Background(), conversation.NewGroup("3", ""))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "1" || msgs[1].ID != "3" {
		t.Errorf("msgs = %+v, want ids 1 and 3", msgs)
	}
}

func TestHistoryMalformedBodyIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).History(context.Background(), conversation.NewGroup("3", ""))
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
}

func TestDirectory(t *testing.T) {
	srv := chattest.New(t)
	srv.SetDirectory(
		[]chattest.Entry{{ID: "1", Name: "general"}, {ID: "2", Name: "random"}},
		[]chattest.Entry{{ID: "bob", Name: "Bob"}},
	)
	c := newClient(t, srv.URL)

	groups, err := c.Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(groups) != 2 || groups[1].Name != "random" {
		t.Errorf("groups = %+v", groups)
	}
	contacts, err := c.Contacts(context.Background())
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != "bob" {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New("/api", "", time.Second, nil); err == nil {
		t.Error("expected error for relative url")
	}
}
