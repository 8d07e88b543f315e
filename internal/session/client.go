package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quorumgames/tabletop/engine"
	"github.com/quorumgames/tabletop/internal/netx"
	"github.com/quorumgames/tabletop/internal/protocol"
)

var (
	// ErrKicked means the host expelled this peer.
	ErrKicked = errors.New("kicked by host")
	// ErrJoinRejected means the host refused the join request.
	ErrJoinRejected = errors.New("join rejected")
)

// ClientConfig configures a client session.
type ClientConfig struct {
	// PeerID is the stable identity used across reconnects; zero picks a
	// fresh one.
	PeerID      protocol.PeerID
	PlayerNames []string
	Engine      engine.TurnEngine
	Logger      *logrus.Logger

	// Dial establishes a connection to the host. It is re-invoked on
	// heartbeat timeout, with bounded backoff.
	Dial func(ctx context.Context) (netx.Conn, error)

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// MaxReconnects bounds redial attempts after a liveness failure.
	MaxReconnects int

	// OnSnapshotApplied is invoked after every successful local snapshot
	// update, delta or full.
	OnSnapshotApplied func(*engine.Snapshot)
	// OnKicked and OnJoinRejected surface session-terminating events.
	OnKicked       func()
	OnJoinRejected func(reason string)
}

// Client runs the non-authoritative side of a session: it proposes
// mutations, submits actions, and applies whatever the host broadcasts.
// The local snapshot is never treated as canonical and is never advanced
// optimistically.
type Client struct {
	id  protocol.PeerID
	cfg ClientConfig
	log *logrus.Entry
	eng engine.TurnEngine

	mu    sync.RWMutex
	local *engine.Snapshot
	conn  netx.Conn

	// engMu serializes engine access between the receive goroutine
	// installing broadcasts and callers validating actions. Kept apart
	// from mu: a host-role engine calls Propose mid-action, and Propose
	// takes mu.
	engMu sync.Mutex
}

// NewClient builds a client session. Run drives it.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	id := cfg.PeerID
	if id == uuid.Nil {
		id = uuid.New()
	}
	c := &Client{
		id:  id,
		cfg: cfg,
		eng: cfg.Engine,
	}
	if c.eng == nil {
		c.eng = engine.NewTokenRaceEngine(false)
	}
	c.eng.SetPropose(c.Propose)
	c.log = log.WithFields(logrus.Fields{"component": "client", "peer": id})
	return c
}

// ID returns the client's peer identity.
func (c *Client) ID() protocol.PeerID { return c.id }

// Snapshot returns the most recently synchronized snapshot, or nil.
func (c *Client) Snapshot() *engine.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// EngineState returns the turn engine diagnostics.
func (c *Client) EngineState() engine.Diagnostics {
	c.engMu.Lock()
	defer c.engMu.Unlock()
	return c.eng.EngineState()
}

// Run joins the host and processes broadcasts until ctx is cancelled,
// the peer is kicked or rejected, or reconnection is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		conn, err := c.cfg.Dial(ctx)
		if err == nil {
			attempts = 0
			err = c.session(ctx, conn)
		}
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return ctx.Err()
		case errors.Is(err, ErrKicked) || errors.Is(err, ErrJoinRejected):
			return err
		}

		attempts++
		if c.cfg.MaxReconnects > 0 && attempts > c.cfg.MaxReconnects {
			c.log.WithError(err).Error("reconnect attempts exhausted")
			return err
		}
		backoff := time.Duration(attempts) * time.Second
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
		c.log.WithError(err).WithField("backoff", backoff).Warn("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// session runs one connection's lifetime: join, heartbeat, dispatch.
func (c *Client) session(ctx context.Context, conn netx.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := conn.Send(ctx, protocol.NewJoin(c.id, c.cfg.PlayerNames, true)); err != nil {
		return err
	}

	monitor := NewHeartbeatMonitor(
		c.cfg.HeartbeatInterval,
		c.cfg.HeartbeatTimeout,
		func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conn.Send(sendCtx, protocol.NewHeartbeat(c.id, time.Now().UnixMilli()))
		},
		func() {
			c.log.Warn("heartbeat timeout, closing stale connection")
			_ = conn.Close("heartbeat timeout")
		},
	)
	monitor.Start()
	defer monitor.Stop()

	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if err := c.dispatch(ctx, conn, monitor, msg); err != nil {
			return err
		}
	}
}

// dispatch handles one inbound message. Protocol desync is recovered
// locally by requesting a full snapshot; nothing propagates past this
// boundary except session termination.
func (c *Client) dispatch(ctx context.Context, conn netx.Conn, monitor *HeartbeatMonitor, msg protocol.Message) error {
	switch msg.Type {
	case protocol.MsgGameState:
		c.applyFull(msg.Snapshot)
	case protocol.MsgGameStateDelta:
		c.applyDelta(ctx, conn, msg.Delta)
	case protocol.MsgHeartbeatAck:
		monitor.MarkReceived()
	case protocol.MsgStartGame:
		c.log.Info("host started the game")
	case protocol.MsgKick:
		c.log.Warn("kicked by host")
		_ = conn.Close("kicked")
		if c.cfg.OnKicked != nil {
			c.cfg.OnKicked()
		}
		return ErrKicked
	case protocol.MsgJoinRejected, protocol.MsgAddPlayerRejected:
		reason := ""
		if msg.Reject != nil {
			reason = msg.Reject.Reason
		}
		c.log.WithField("reason", reason).Warn("join rejected")
		_ = conn.Close("join rejected")
		if c.cfg.OnJoinRejected != nil {
			c.cfg.OnJoinRejected(reason)
		}
		return ErrJoinRejected
	default:
		c.log.WithField("type", msg.Type).Warn("unknown message tag ignored")
	}
	return nil
}

// applyFull replaces the local snapshot unconditionally.
func (c *Client) applyFull(raw json.RawMessage) {
	s, err := engine.UnmarshalSnapshot(raw)
	if err != nil {
		c.log.WithError(err).Error("undecodable full snapshot dropped")
		return
	}
	c.install(s)
	c.log.WithField("version", s.Version).Debug("full snapshot applied")
}

// applyDelta applies a broadcast delta or falls back to a full resync
// when the version check fails.
func (c *Client) applyDelta(ctx context.Context, conn netx.Conn, raw json.RawMessage) {
	var d engine.Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		c.log.WithError(err).Warn("undecodable delta, requesting full state")
		c.requestFull(ctx, conn, "undecodable delta")
		return
	}

	c.mu.RLock()
	base := c.local
	c.mu.RUnlock()
	if base == nil {
		c.requestFull(ctx, conn, "no base snapshot")
		return
	}

	if err := engine.CanApply(base, &d); err != nil {
		c.log.WithError(err).Warn("delta not applicable, requesting full state")
		c.requestFull(ctx, conn, err.Error())
		return
	}
	if gap := d.Version - base.Version; gap > 1 {
		c.log.WithFields(logrus.Fields{"base": base.Version, "delta": d.Version}).
			Info("catching up across missed broadcasts")
	}

	c.install(engine.Apply(base, &d))
	c.log.WithField("version", d.Version).Debug("delta applied")
}

func (c *Client) install(s *engine.Snapshot) {
	c.mu.Lock()
	c.local = s
	c.mu.Unlock()
	c.engMu.Lock()
	c.eng.UpdateGameState(s)
	c.engMu.Unlock()
	if c.cfg.OnSnapshotApplied != nil {
		c.cfg.OnSnapshotApplied(s)
	}
}

func (c *Client) requestFull(ctx context.Context, conn netx.Conn, reason string) {
	if err := conn.Send(ctx, protocol.NewRequestFullState(c.id, reason)); err != nil {
		c.log.WithError(err).Warn("full state request failed")
	}
}

// Propose sends a mutated snapshot to the host. The local view is not
// advanced optimistically; it only moves when the host's broadcast
// arrives, so a rejected proposal cannot split client and host state.
func (c *Client) Propose(s *engine.Snapshot) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		c.log.Warn("propose dropped: not connected")
		return
	}
	raw, err := s.Marshal()
	if err != nil {
		c.log.WithError(err).Error("cannot marshal proposal")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Send(ctx, protocol.NewProposeState(c.id, raw)); err != nil {
		c.log.WithError(err).Warn("propose failed")
	}
}

// SubmitAction originates a player action; the host validates and
// resolves it, and the result comes back as a state broadcast.
func (c *Client) SubmitAction(playerID uuid.UUID, action engine.ActionType, data map[string]any) error {
	// Pre-validate locally so obvious mistakes fail fast without a
	// round-trip. The host remains the authority.
	c.engMu.Lock()
	res := c.eng.OnPlayerAction(playerID, action, data)
	c.engMu.Unlock()
	if !res.Success {
		return errors.New(res.Err)
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return netx.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Send(ctx, protocol.NewPlayerAction(c.id, playerID, string(action), data))
}

// ProposePause asks the host to pause; ProposeResume to continue. Both
// flow through the regular proposal path.
func (c *Client) ProposePause() {
	if s := c.Snapshot(); s != nil && s.GamePhase == engine.GamePhaseInGame {
		next := s.Clone()
		next.GamePhase = engine.GamePhasePaused
		c.Propose(next)
	}
}

func (c *Client) ProposeResume() {
	if s := c.Snapshot(); s != nil && s.GamePhase == engine.GamePhasePaused {
		next := s.Clone()
		next.GamePhase = engine.GamePhaseInGame
		c.Propose(next)
	}
}
