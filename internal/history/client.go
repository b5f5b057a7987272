// Package history is the REST client for the chat backend's historical
// message and directory endpoints.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/sphere/internal/conversation"
	"github.com/matheus3301/sphere/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxBody = 8 << 20

// FetchError is a failed historical fetch. It is surfaced to the user but
// never blocks the live connection.
type FetchError struct {
	Context string
	Status  int
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch history for %s: status %d: %v", e.Context, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch history for %s: %v", e.Context, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrUnexpectedStatus is wrapped by FetchError for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Entry is a selectable group or contact.
type Entry struct {
	ID   string
	Name string
}

// Client talks to the backend's REST API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New creates a client for the API rooted at baseURL.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api url %q must be absolute", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// History returns the stored messages of a conversation, all Confirmed.
func (c *Client) History(ctx context.Context, target conversation.Context) ([]store.Message, error) {
	path := "/api/get-group-messages/"
	if target.Kind == conversation.Private {
		path = "/api/get-private-messages/"
	}

	body, err := c.get(ctx, path, target.Query())
	if err != nil {
		return nil, wrapFetch(target.Key(), err)
	}

	var msgs []store.Message
	gjson.GetBytes(body, "messages").ForEach(func(_, v gjson.Result) bool {
		m, err := parseMessage(v)
		if err != nil {
			c.logger.Warn("skipping malformed history entry",
				zap.String("context", target.Key()),
				zap.String("id", v.Get("id").String()),
				zap.Error(err))
			return true
		}
		msgs = append(msgs, m)
		return true
	})
	c.logger.Debug("history fetched", zap.String("context", target.Key()), zap.Int("count", len(msgs)))
	return msgs, nil
}

// Groups lists the group channels the user belongs to.
func (c *Client) Groups(ctx context.Context) ([]Entry, error) {
	return c.directory(ctx, "/api/get-groups/", "groups")
}

// Contacts lists the user's contacts.
func (c *Client) Contacts(ctx context.Context) ([]Entry, error) {
	return c.directory(ctx, "/api/get-contacts/", "contacts")
}

func (c *Client) directory(ctx context.Context, path, field string) ([]Entry, error) {
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", field, err)
	}
	var out []Entry
	gjson.GetBytes(body, field).ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if id != "" {
			out = append(out, Entry{ID: id, Name: v.Get("name").String()})
		}
		return true
	})
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.base.JoinPath(path)
	// JoinPath drops the trailing slash the backend routes require.
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid json")
	}
	return body, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func (e *statusError) Unwrap() error { return ErrUnexpectedStatus }

func wrapFetch(key string, err error) error {
	fe := &FetchError{Context: key, Err: err}
	var se *statusError
	if errors.As(err, &se) {
		fe.Status = se.code
		fe.Err = ErrUnexpectedStatus
	}
	return fe
}

// parseMessage accepts RFC 3339 or unix-millisecond timestamps and numeric
// or string ids.
func parseMessage(v gjson.Result) (store.Message, error) {
	id := v.Get("id").String()
	if id == "" {
		return store.Message{}, errors.New("message without id")
	}

	var ts time.Time
	raw := v.Get("timestamp")
	switch raw.Type {
	case gjson.Number:
		ts = time.UnixMilli(raw.Int())
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, raw.String())
		if err != nil {
			return store.Message{}, fmt.Errorf("message %s: %w", id, err)
		}
		ts = t
	default:
		return store.Message{}, fmt.Errorf("message %s has no timestamp", id)
	}

	return store.Message{
		ID:        id,
		Sender:    v.Get("sender").String(),
		Content:   v.Get("content").String(),
		Timestamp: ts,
		State:     store.Confirmed,
	}, nil
}
