package netx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quorumgames/tabletop/internal/protocol"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := protocol.NewHeartbeat(uuid.New(), 7)
	if err := a.Send(ctx, want); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if got.Type != want.Type || got.From != want.From {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// The pair is symmetric.
	if err := b.Send(ctx, protocol.NewHeartbeatAck(uuid.New(), 7)); err != nil {
		t.Fatalf("reverse send failed: %v", err)
	}
	if _, err := a.Recv(ctx); err != nil {
		t.Fatalf("reverse recv failed: %v", err)
	}
}

func TestPipeCloseDrainsInFlight(t *testing.T) {
	a, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	peer := uuid.New()
	for i := int64(1); i <= 2; i++ {
		if err := a.Send(ctx, protocol.NewHeartbeat(peer, i)); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if err := a.Close("test done"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Buffered messages survive the close, then the error surfaces.
	for i := int64(1); i <= 2; i++ {
		msg, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d after close failed: %v", i, err)
		}
		if msg.Heartbeat == nil || msg.Heartbeat.Timestamp != i {
			t.Fatalf("message %d out of order: %+v", i, msg)
		}
	}
	if _, err := b.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("recv on drained closed pipe = %v, want ErrClosed", err)
	}
	if err := b.Send(ctx, protocol.NewHeartbeat(peer, 9)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send on closed pipe = %v, want ErrClosed", err)
	}
}
