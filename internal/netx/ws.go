package netx

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/quorumgames/tabletop/internal/protocol"
)

// WSConn adapts a websocket connection to Conn using JSON frames.
type WSConn struct {
	c *websocket.Conn
}

// NewWSConn wraps an accepted or dialed websocket connection.
func NewWSConn(c *websocket.Conn) *WSConn { return &WSConn{c: c} }

func (w *WSConn) Send(ctx context.Context, msg protocol.Message) error {
	return wsjson.Write(ctx, w.c, msg)
}

func (w *WSConn) Recv(ctx context.Context) (protocol.Message, error) {
	var msg protocol.Message
	if err := wsjson.Read(ctx, w.c, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

func (w *WSConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// AcceptHandler receives each inbound peer connection.
type AcceptHandler func(Conn)

// Listener serves the host's websocket endpoint at /ws.
type Listener struct {
	srv *http.Server
	log *logrus.Entry
}

// NewListener builds the host-side listener. onConn is invoked once per
// accepted peer; the caller owns the connection from then on.
func NewListener(addr string, log *logrus.Logger, onConn AcceptHandler) *Listener {
	entry := log.WithField("component", "netx")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // origin checks are the deployment's concern
		})
		if err != nil {
			entry.WithError(err).Warn("websocket accept failed")
			return
		}
		entry.WithField("remote", r.RemoteAddr).Info("peer connected")
		onConn(NewWSConn(c))
	})
	return &Listener{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		log: entry,
	}
}

// ListenAndServe blocks serving peer connections until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(shutdownCtx)
	}()
	l.log.WithField("addr", l.srv.Addr).Info("listening for peers")
	err := l.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Dial connects to a host's websocket endpoint.
func Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(c), nil
}
