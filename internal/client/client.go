package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/sphere/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is lazy: errors
// surface on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SelectContext switches the daemon to a group ("group") or private chat
// ("private").
func (c *Client) SelectContext(ctx context.Context, kind, id, name string) (api.ContextInfo, error) {
	resp, err := c.call(ctx, api.MethodSelectContext, map[string]any{"kind": kind, "id": id, "name": name})
	if err != nil {
		return api.ContextInfo{}, err
	}
	return api.DecodeContext(resp), nil
}

// Send posts content to the active conversation and returns its provisional id.
func (c *Client) Send(ctx context.Context, content string) (string, error) {
	resp, err := c.call(ctx, api.MethodSendMessage, map[string]any{"content": content})
	if err != nil {
		return "", err
	}
	return resp.GetFields()["provisional_id"].GetStringValue(), nil
}

func (c *Client) Retry(ctx context.Context, provisionalID string) error {
	_, err := c.call(ctx, api.MethodRetryMessage, map[string]any{"id": provisionalID})
	return err
}

func (c *Client) Discard(ctx context.Context, provisionalID string) error {
	_, err := c.call(ctx, api.MethodDiscardMessage, map[string]any{"id": provisionalID})
	return err
}

func (c *Client) SignalTyping(ctx context.Context, isTyping bool) error {
	_, err := c.call(ctx, api.MethodSignalTyping, map[string]any{"typing": isTyping})
	return err
}

// Messages returns the active timeline; limit <= 0 returns all of it.
func (c *Client) Messages(ctx context.Context, limit int) (api.ContextInfo, []api.Message, error) {
	resp, err := c.call(ctx, api.MethodListMessages, map[string]any{"limit": limit})
	if err != nil {
		return api.ContextInfo{}, nil, err
	}
	return api.DecodeContext(resp), api.DecodeMessages(resp), nil
}

func (c *Client) Status(ctx context.Context) (api.Status, error) {
	resp, err := c.call(ctx, api.MethodGetStatus, nil)
	if err != nil {
		return api.Status{}, err
	}
	return api.DecodeStatus(resp), nil
}

func (c *Client) Groups(ctx context.Context) ([]api.Entry, error) {
	resp, err := c.call(ctx, api.MethodListGroups, nil)
	if err != nil {
		return nil, err
	}
	return api.DecodeEntries(resp), nil
}

func (c *Client) Contacts(ctx context.Context) ([]api.Entry, error) {
	resp, err := c.call(ctx, api.MethodListContacts, nil)
	if err != nil {
		return nil, err
	}
	return api.DecodeEntries(resp), nil
}

// Logs returns up to n recent daemon log lines.
func (c *Client) Logs(ctx context.Context, n int) ([]string, error) {
	resp, err := c.call(ctx, api.MethodTailLogs, map[string]any{"lines": n})
	if err != nil {
		return nil, err
	}
	return api.DecodeLines(resp), nil
}

// Watch streams events whose kind starts with namespace to fn until ctx is
// done, the stream ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(api.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &api.WatchEventsStreamDesc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(api.DecodeEvent(msg)); err != nil {
			return err
		}
	}
}
