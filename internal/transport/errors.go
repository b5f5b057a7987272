package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by Send when the connection is not in OPEN.
	ErrNotOpen = errors.New("connection not open")
	// ErrAlreadyOpened is returned when Open is called twice on one Connection.
	ErrAlreadyOpened = errors.New("connection already opened; close it and create a new one")
	// ErrSendBufferFull is returned when the write pump cannot keep up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// TransportError wraps a socket-level failure. It is handled by the
// reconnection policy and never surfaced to the user as a message error.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError reports a frame that was accepted while OPEN but never written.
type SendError struct {
	Ref string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Ref, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
