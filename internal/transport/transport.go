package transport

import (
	"context"
	"errors"

	"github.com/harunnryd/convstream/internal/protocol"
)

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = errors.New("transport closed")

// ErrMalformedFrame wraps a frame that could not be decoded. The connection is
// still usable; callers skip the frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn is one duplex, message-oriented event stream.
type Conn interface {
	Send(ctx context.Context, evt protocol.Event) error
	Receive(ctx context.Context) (protocol.Event, error)
	Close() error
}

// Transport opens connections to the agent service.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}
