package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/sphere/internal/conversation"
)

// Dialer opens a websocket scoped to one conversation.
type Dialer interface {
	Dial(ctx context.Context, target conversation.Context) (*websocket.Conn, error)
}

// WebsocketDialer dials the chat backend's socket endpoint.
type WebsocketDialer struct {
	URL   string // e.g. wss://chat.example.com/ws
	Token string

	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer for the given endpoint and bearer token.
func NewWebsocketDialer(endpoint, token string, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		URL:   endpoint,
		Token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial connects to URL with the conversation's query parameters appended.
func (d *WebsocketDialer) Dial(ctx context.Context, target conversation.Context) (*websocket.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	for k, vs := range target.Query() {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return conn, nil
}
