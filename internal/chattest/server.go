// Package chattest provides an in-process fake of the chat backend: the
// websocket endpoint plus the REST history endpoints.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/wire"
)

// Entry is a group or contact listed by the REST endpoints.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HistoryMessage is one message served by the history endpoints.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Inbound is a frame the server received from a client.
type Inbound struct {
	Context string
	Data    []byte
}

type peer struct {
	conn *websocket.Conn
	key  string
	wmu  sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake chat backend bound to a local port.
type Server struct {
	URL   string // http://127.0.0.1:port
	WSURL string // ws://127.0.0.1:port/ws

	srv      *httptest.Server
	upgrader websocket.Upgrader

	connected chan string
	inbound   chan Inbound

	mu            sync.Mutex
	peers         map[*peer]struct{}
	history       map[string][]HistoryMessage
	historyDelay  map[string]time.Duration
	historyStatus map[string]int
	groups        []Entry
	contacts      []Entry
	authHeaders   []string
	echo          bool
	rejectDials   bool
	nextID        int
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		connected:     make(chan string, 64),
		inbound:       make(chan Inbound, 256),
		peers:         make(map[*peer]struct{}),
		history:       make(map[string][]HistoryMessage),
		historyDelay:  make(map[string]time.Duration),
		historyStatus: make(map[string]int),
		echo:          true,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveSocket).Methods("GET")
	r.HandleFunc("/api/get-group-messages/", s.serveHistory("group_id", conversation.Group)).Methods("GET")
	r.HandleFunc("/api/get-private-messages/", s.serveHistory("recipient_id", conversation.Private)).Methods("GET")
	r.HandleFunc("/api/get-groups/", s.serveList("groups", func() []Entry { return s.groups })).Methods("GET")
	r.HandleFunc("/api/get-contacts/", s.serveList("contacts", func() []Entry { return s.contacts })).Methods("GET")

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	t.Cleanup(s.Close)
	return s
}

// Close drops every socket and stops the listener.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// SetHistory replaces the history served for a context key.
func (s *Server) SetHistory(key string, msgs ...HistoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[key] = msgs
}

// SetHistoryDelay makes history requests for key wait before answering.
func (s *Server) SetHistoryDelay(key string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyDelay[key] = d
}

// FailHistory makes history requests for key answer with the given status.
func (s *Server) FailHistory(key string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyStatus[key] = code
}

// SetDirectory sets the groups and contacts listed by the REST endpoints.
func (s *Server) SetDirectory(groups, contacts []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = groups
	s.contacts = contacts
}

// SetEcho controls whether inbound chat messages are confirmed and
// broadcast back. Enabled by default.
func (s *Server) SetEcho(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = on
}

// RejectDials makes the socket endpoint answer 503 instead of upgrading.
func (s *Server) RejectDials(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectDials = on
}

// Connected yields the context key of every accepted socket.
func (s *Server) Connected() <-chan string { return s.connected }

// Inbound yields every frame received from clients.
func (s *Server) Inbound() <-chan Inbound { return s.inbound }

// AuthHeaders returns the Authorization headers seen on socket upgrades.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

// Peers returns the number of open sockets for key.
func (s *Server) Peers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.peers {
		if p.key == key {
			n++
		}
	}
	return n
}

// Broadcast writes a raw frame to every socket open for key.
func (s *Server) Broadcast(key string, data []byte) {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.key == key {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		_ = p.write(data)
	}
}

// BroadcastChat confirms a chat message from another participant.
func (s *Server) BroadcastChat(key string, m wire.ChatMessage) {
	data, _ := wire.EncodeChat(m)
	s.Broadcast(key, data)
}

// BroadcastTyping sends a typing.status frame to key.
func (s *Server) BroadcastTyping(key, sender string, typing bool) {
	data, _ := wire.EncodeTyping(wire.TypingStatus{ContextID: key, Sender: sender, IsTyping: typing})
	s.Broadcast(key, data)
}

// DropAll closes every open socket without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[*peer]struct{})
	s.mu.Unlock()

	for p := range peers {
		_ = p.conn.Close()
	}
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectDials
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	key := contextKey(r)
	if key == "" {
		http.Error(w, "group_id or recipient_id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn, key: key}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	select {
	case s.connected <- key:
	default:
	}

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.inbound <- Inbound{Context: key, Data: data}:
		default:
		}
		s.maybeEcho(key, data)
	}
}

func (s *Server) maybeEcho(key string, data []byte) {
	var m wire.ChatMessage
	if err := json.Unmarshal(data, &m); err != nil || m.Type != wire.TypeChatMessage {
		return
	}

	s.mu.Lock()
	if !s.echo {
		s.mu.Unlock()
		return
	}
	s.nextID++
	m.ID = fmt.Sprintf("srv-%d", s.nextID)
	s.mu.Unlock()

	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	s.BroadcastChat(key, m)
}

func (s *Server) serveHistory(param string, kind conversation.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get(param)
		if id == "" {
			http.Error(w, param+" required", http.StatusBadRequest)
			return
		}
		key := string(kind) + ":" + id

		s.mu.Lock()
		delay := s.historyDelay[key]
		code := s.historyStatus[key]
		msgs := append([]HistoryMessage(nil), s.history[key]...)
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
		if msgs == nil {
			msgs = []HistoryMessage{}
		}
		writeJSON(w, map[string]any{"messages": msgs})
	}
}

func (s *Server) serveList(field string, list func() []Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		entries := append([]Entry{}, list()...)
		s.mu.Unlock()
		writeJSON(w, map[string]any{field: entries})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func contextKey(r *http.Request) string {
	q := r.URL.Query()
	if id := q.Get("group_id"); id != "" {
		return conversation.NewGroup(id, "").Key()
	}
	if id := q.Get("recipient_id"); id != "" {
		return conversation.NewPrivate(id, "").Key()
	}
	return ""
}
