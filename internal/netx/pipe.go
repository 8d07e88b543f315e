package netx

import (
	"context"
	"sync"

	"github.com/quorumgames/tabletop/internal/protocol"
)

// Pipe returns a connected in-proc pair. Messages sent on one end are
// received on the other. Handy for single-process session tests without
// sockets.
func Pipe() (Conn, Conn) {
	ab := make(chan protocol.Message, 64)
	ba := make(chan protocol.Message, 64)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }
	a := &pipeConn{in: ba, out: ab, done: done, close: closeFn}
	b := &pipeConn{in: ab, out: ba, done: done, close: closeFn}
	return a, b
}

type pipeConn struct {
	in    <-chan protocol.Message
	out   chan<- protocol.Message
	done  chan struct{}
	close func()
}

func (p *pipeConn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- msg:
		return nil
	}
}

func (p *pipeConn) Recv(ctx context.Context) (protocol.Message, error) {
	// Drain buffered messages even after close so in-flight traffic is
	// not lost in tests.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case <-p.done:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case msg := <-p.in:
		return msg, nil
	}
}

func (p *pipeConn) Close(string) error {
	p.close()
	return nil
}
