// Package netx abstracts one point-to-point peer link. The session layer
// only sees Conn; the concrete transports are a websocket link for real
// peers and an in-proc pipe for tests.
package netx

import (
	"context"
	"errors"

	"github.com/quorumgames/tabletop/internal/protocol"
)

// ErrClosed is returned by Send/Recv after the connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is one transport link between two peers. Implementations must
// support one concurrent reader and writers from multiple goroutines.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close(reason string) error
}
