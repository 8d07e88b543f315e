// Package session implements the peer roles: the Host owns the canonical
// snapshot and is the only party that increments its version; Clients
// propose mutations and apply whatever the host broadcasts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quorumgames/tabletop/engine"
	"github.com/quorumgames/tabletop/internal/journal"
	"github.com/quorumgames/tabletop/internal/netx"
	"github.com/quorumgames/tabletop/internal/protocol"
)

// ErrSessionClosed is returned by host commands after Run has exited.
var ErrSessionClosed = errors.New("session closed")

// HostConfig configures a host session.
type HostConfig struct {
	Board    engine.Board
	Settings engine.Settings
	// Seed feeds the snapshot RNG; zero picks a time-based seed.
	Seed   uint64
	Engine engine.TurnEngine
	Logger *logrus.Logger
	// Journal may be nil; when set, every accepted mutation and peer
	// lifecycle event is recorded.
	Journal *journal.Journal
	// StaleConnTimeout closes connections with no inbound traffic for
	// this long. Heartbeats refresh the clock; zero disables the sweep.
	StaleConnTimeout time.Duration
	// OnSnapshotApplied is invoked after every accepted mutation with
	// the new canonical snapshot.
	OnSnapshotApplied func(*engine.Snapshot)
}

// peerConn is the host's bookkeeping for one attached connection.
type peerConn struct {
	conn          netx.Conn
	peerID        protocol.PeerID
	joined        bool
	supportsDelta bool
	// sentFull guards the rule that a brand-new connection always
	// receives a full snapshot before any delta.
	sentFull bool
	lastSeen time.Time
}

type inbound struct {
	pc  *peerConn
	msg protocol.Message
	err error
}

// Host runs the authoritative side of one game session. All mutation and
// message handling is serialized on a single event loop; two proposals
// arriving concurrently are applied strictly one at a time.
type Host struct {
	id  protocol.PeerID
	log *logrus.Entry
	eng engine.TurnEngine

	canonical     *engine.Snapshot
	lastBroadcast *engine.Snapshot

	conns map[*peerConn]struct{}

	attach chan netx.Conn
	inbox  chan inbound
	cmds   chan func()
	done   chan struct{}

	jr           *journal.Journal
	actionIdx    int64
	onApplied    func(*engine.Snapshot)
	staleTimeout time.Duration
}

// NewHost builds a host session. Run must be called before any command.
func NewHost(cfg HostConfig) *Host {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	h := &Host{
		id:           uuid.New(),
		eng:          cfg.Engine,
		canonical:    engine.NewSnapshot(cfg.Board, cfg.Settings, cfg.Seed),
		conns:        make(map[*peerConn]struct{}),
		attach:       make(chan netx.Conn, 16),
		inbox:        make(chan inbound, 256),
		cmds:         make(chan func(), 64),
		done:         make(chan struct{}),
		jr:           cfg.Journal,
		onApplied:    cfg.OnSnapshotApplied,
		staleTimeout: cfg.StaleConnTimeout,
	}
	h.log = log.WithFields(logrus.Fields{"component": "host", "peer": h.id})
	if h.eng == nil {
		h.eng = engine.NewTokenRaceEngine(true)
	}
	h.eng.SetPropose(h.acceptLocalProposal)
	h.eng.UpdateGameState(h.canonical)
	return h
}

// ID returns the host's peer identity.
func (h *Host) ID() protocol.PeerID { return h.id }

// Attach hands a freshly accepted connection to the event loop.
func (h *Host) Attach(conn netx.Conn) {
	select {
	case h.attach <- conn:
	case <-h.done:
		_ = conn.Close("session closed")
	}
}

// Run drives the event loop until ctx is cancelled. All handlers run to
// completion before the next queued event is processed.
func (h *Host) Run(ctx context.Context) {
	defer close(h.done)
	var sweep <-chan time.Time
	if h.staleTimeout > 0 {
		ticker := time.NewTicker(h.staleTimeout / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			for pc := range h.conns {
				_ = pc.conn.Close("host shutting down")
			}
			return
		case conn := <-h.attach:
			h.handleAttach(ctx, conn)
		case fn := <-h.cmds:
			fn()
		case in := <-h.inbox:
			h.dispatch(in)
		case <-sweep:
			h.sweepStale()
		}
	}
}

func (h *Host) handleAttach(ctx context.Context, conn netx.Conn) {
	pc := &peerConn{conn: conn, lastSeen: time.Now()}
	h.conns[pc] = struct{}{}
	go func() {
		for {
			msg, err := conn.Recv(ctx)
			select {
			case h.inbox <- inbound{pc: pc, msg: msg, err: err}:
			case <-h.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// dispatch routes one inbound message. Unknown tags are logged and
// ignored; nothing here may crash the loop.
func (h *Host) dispatch(in inbound) {
	if in.err != nil {
		h.handleDisconnect(in.pc, in.err)
		return
	}
	in.pc.lastSeen = time.Now()

	switch in.msg.Type {
	case protocol.MsgJoin:
		if in.msg.Join == nil {
			h.log.Warn("JOIN without payload ignored")
			return
		}
		h.handleJoin(in.pc, *in.msg.Join)
	case protocol.MsgProposeState:
		h.handleProposal(in.pc, in.msg)
	case protocol.MsgPlayerAction:
		if in.msg.Action == nil {
			h.log.Warn("PLAYER_ACTION without payload ignored")
			return
		}
		h.handleAction(in.pc, *in.msg.Action)
	case protocol.MsgHeartbeat:
		ts := int64(0)
		if in.msg.Heartbeat != nil {
			ts = in.msg.Heartbeat.Timestamp
		}
		h.send(in.pc, protocol.NewHeartbeatAck(h.id, ts))
	case protocol.MsgRequestFullState:
		h.log.WithFields(logrus.Fields{"peer": in.pc.peerID, "reason": in.msg.Reason}).
			Info("full state requested")
		h.sendFull(in.pc)
	default:
		h.log.WithField("type", in.msg.Type).Warn("unknown message tag ignored")
	}
}

// handleJoin admits a new peer, adds players for an already-joined peer,
// or re-associates a reconnecting peer. Capacity rejections carry a
// human-readable reason and never tear down the session.
func (h *Host) handleJoin(pc *peerConn, join protocol.JoinPayload) {
	pc.supportsDelta = join.SupportsDelta

	// Reconnect: the peer already owns players, no new seats requested.
	if len(join.PlayerNames) == 0 {
		if h.canonical.PlayersOwnedBy(join.PeerID) == 0 {
			h.send(pc, protocol.NewJoinRejected(h.id, "no players requested"))
			return
		}
		h.adoptConn(pc, join.PeerID)
		h.markPeerConnected(join.PeerID, true)
		h.sendFull(pc)
		h.log.WithField("peer", join.PeerID).Info("peer reconnected")
		h.record(join.PeerID, "peer_reconnect", nil)
		return
	}

	// A rejoin after a transport drop repeats the original player names;
	// treat it as a reconnect rather than a seat request.
	if h.isRejoin(join) {
		h.adoptConn(pc, join.PeerID)
		h.markPeerConnected(join.PeerID, true)
		h.sendFull(pc)
		h.log.WithField("peer", join.PeerID).Info("peer rejoined with existing seats")
		h.record(join.PeerID, "peer_reconnect", nil)
		return
	}

	alreadySeated := h.canonical.PlayersOwnedBy(join.PeerID)
	reject := func(reason string) {
		if alreadySeated > 0 {
			h.send(pc, protocol.NewAddPlayerRejected(h.id, reason))
		} else {
			h.send(pc, protocol.NewJoinRejected(h.id, reason))
		}
	}

	req := len(join.PlayerNames)
	if len(h.canonical.Players)+req > h.canonical.Settings.MaxPlayers {
		reject(fmt.Sprintf("table is full: %d seats, %d taken, %d requested",
			h.canonical.Settings.MaxPlayers, len(h.canonical.Players), req))
		return
	}
	if alreadySeated+req > h.canonical.Settings.PlayersPerPeer {
		reject(fmt.Sprintf("per-peer limit is %d players", h.canonical.Settings.PlayersPerPeer))
		return
	}

	h.adoptConn(pc, join.PeerID)
	next := h.canonical.Clone()
	for _, name := range join.PlayerNames {
		next.Players = append(next.Players, engine.NewPlayer(join.PeerID, name, next.Board.TokensPerPlayer))
	}
	h.log.WithFields(logrus.Fields{"peer": join.PeerID, "players": req}).Info("join accepted")
	h.record(join.PeerID, "peer_join", map[string]any{"players": join.PlayerNames})
	h.commit(next)
}

// isRejoin reports whether the join repeats exactly the player names the
// peer already owns.
func (h *Host) isRejoin(join protocol.JoinPayload) bool {
	existing := make(map[string]int)
	owned := 0
	for _, p := range h.canonical.Players {
		if p.PeerID == join.PeerID {
			existing[p.Name]++
			owned++
		}
	}
	if owned == 0 || owned != len(join.PlayerNames) {
		return false
	}
	for _, name := range join.PlayerNames {
		if existing[name] == 0 {
			return false
		}
		existing[name]--
	}
	return true
}

// adoptConn binds the connection to a peer identity, replacing any stale
// connection the same peer left behind.
func (h *Host) adoptConn(pc *peerConn, peerID protocol.PeerID) {
	for other := range h.conns {
		if other != pc && other.joined && other.peerID == peerID {
			_ = other.conn.Close("superseded by reconnect")
			delete(h.conns, other)
		}
	}
	pc.peerID = peerID
	pc.joined = true
}

// handleProposal validates a client-proposed snapshot. The only deep
// check is the paused-state guard: a client must not silently un-pause
// the game. An offending proposal is corrected by re-sending the
// canonical snapshot to that client only.
func (h *Host) handleProposal(pc *peerConn, msg protocol.Message) {
	if !pc.joined {
		h.log.Warn("proposal from unjoined connection ignored")
		return
	}
	prop, err := engine.UnmarshalSnapshot(msg.Snapshot)
	if err != nil {
		h.log.WithError(err).Warn("undecodable proposal, re-sending canonical state")
		h.sendFull(pc)
		return
	}
	if h.canonical.GamePhase == engine.GamePhasePaused && prop.GamePhase != engine.GamePhasePaused {
		h.log.WithField("peer", pc.peerID).Info("rejected un-pausing proposal")
		h.record(pc.peerID, "proposal_rejected", map[string]any{"reason": "paused"})
		h.sendFull(pc)
		return
	}
	h.record(pc.peerID, "proposal_accepted", map[string]any{"proposedVersion": prop.Version})
	h.commit(prop)
}

func (h *Host) handleAction(pc *peerConn, action protocol.ActionPayload) {
	if !pc.joined {
		h.log.Warn("action from unjoined connection ignored")
		return
	}
	fields := logrus.Fields{"peer": pc.peerID, "player": action.PlayerID, "action": action.ActionType}
	// A peer may only act through seats it owns.
	if p := h.canonical.FindPlayer(action.PlayerID); p == nil || p.PeerID != pc.peerID {
		h.log.WithFields(fields).Warn("action for unowned player ignored")
		return
	}
	res := h.eng.OnPlayerAction(action.PlayerID, engine.ActionType(action.ActionType), action.ActionData)
	if !res.Success {
		h.log.WithFields(fields).WithField("error", res.Err).Info("action rejected")
		return
	}
	h.log.WithFields(fields).Debug("action applied")
	h.record(action.PlayerID, "player_action", map[string]any{
		"actionType": action.ActionType,
		"data":       action.ActionData,
	})
}

func (h *Host) handleDisconnect(pc *peerConn, err error) {
	if _, ok := h.conns[pc]; !ok {
		return
	}
	delete(h.conns, pc)
	_ = pc.conn.Close("read failed")
	if !pc.joined {
		return
	}
	h.log.WithFields(logrus.Fields{"peer": pc.peerID}).WithError(err).Info("peer disconnected")
	h.record(pc.peerID, "peer_disconnect", nil)
	h.markPeerConnected(pc.peerID, false)
}

// sweepStale drops connections whose last inbound message is older than
// the stale timeout. Clients probe well inside it, so only a dead
// transport trips this.
func (h *Host) sweepStale() {
	cutoff := time.Now().Add(-h.staleTimeout)
	for pc := range h.conns {
		if pc.lastSeen.Before(cutoff) {
			h.log.WithField("peer", pc.peerID).Warn("closing stale connection")
			h.handleDisconnect(pc, errors.New("stale connection"))
		}
	}
}

// markPeerConnected flips the Connected flag on a peer's players and
// broadcasts the change.
func (h *Host) markPeerConnected(peerID protocol.PeerID, connected bool) {
	next := h.canonical.Clone()
	changed := false
	for i := range next.Players {
		if next.Players[i].PeerID == peerID && next.Players[i].Connected != connected {
			next.Players[i].Connected = connected
			changed = true
		}
	}
	if changed {
		h.commit(next)
	}
}

// acceptLocalProposal is the engine's propose hook. It runs inside the
// event loop because the engine is only invoked from dispatch/cmds.
func (h *Host) acceptLocalProposal(next *engine.Snapshot) {
	h.commit(next)
}

// commit adopts next as canonical: exactly one version bump per accepted
// mutation, then a broadcast of the cheapest representation per
// connection.
func (h *Host) commit(next *engine.Snapshot) {
	next.Version = h.canonical.Version + 1
	next.Timestamp = time.Now().UnixMilli()
	h.canonical = next
	h.eng.UpdateGameState(h.canonical)

	h.broadcast()
	h.record(h.id, "state_commit", map[string]any{
		"version":   h.canonical.Version,
		"gamePhase": h.canonical.GamePhase,
		"turnPhase": h.canonical.TurnPhase,
	})
	if h.onApplied != nil {
		h.onApplied(h.canonical)
	}
}

// broadcast sends the canonical snapshot to every joined connection.
// Delta-capable connections that already hold a base get a delta when it
// is worthwhile; everyone else gets the full snapshot. The size decision
// is made per broadcast, never cached.
func (h *Host) broadcast() {
	var delta *engine.Delta
	deltaWorthwhile := false
	if h.lastBroadcast != nil {
		delta = engine.Diff(h.lastBroadcast, h.canonical)
		deltaWorthwhile = engine.PreferDelta(delta, h.canonical)
	}

	fullRaw, err := h.canonical.Marshal()
	if err != nil {
		h.log.WithError(err).Error("cannot marshal canonical snapshot")
		return
	}

	for pc := range h.conns {
		if !pc.joined {
			continue
		}
		if pc.sentFull && pc.supportsDelta && deltaWorthwhile {
			raw, err := marshalDelta(delta)
			if err == nil {
				h.send(pc, protocol.NewGameStateDelta(h.id, raw))
				continue
			}
			h.log.WithError(err).Warn("delta marshal failed, falling back to full snapshot")
		}
		h.send(pc, protocol.Message{From: h.id, Type: protocol.MsgGameState, Snapshot: fullRaw})
		pc.sentFull = true
	}
	h.lastBroadcast = h.canonical
}

// sendFull pushes the canonical snapshot to a single connection.
func (h *Host) sendFull(pc *peerConn) {
	raw, err := h.canonical.Marshal()
	if err != nil {
		h.log.WithError(err).Error("cannot marshal canonical snapshot")
		return
	}
	h.send(pc, protocol.NewGameState(h.id, raw))
	pc.sentFull = true
}

func (h *Host) send(pc *peerConn, msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pc.conn.Send(ctx, msg); err != nil {
		h.log.WithError(err).WithField("type", msg.Type).Warn("send failed")
	}
}

func (h *Host) record(actor uuid.UUID, kind string, payload map[string]any) {
	if h.jr == nil {
		return
	}
	h.actionIdx++
	h.jr.Publish(journal.Record{
		SessionID: h.id,
		Index:     h.actionIdx,
		ActorID:   actor,
		Type:      kind,
		Payload:   payload,
	})
}

// --- commands (serialized onto the event loop) ---

func (h *Host) do(fn func()) error {
	doneBody := make(chan struct{})
	select {
	case h.cmds <- func() { fn(); close(doneBody) }:
	case <-h.done:
		return ErrSessionClosed
	}
	select {
	case <-doneBody:
		return nil
	case <-h.done:
		return ErrSessionClosed
	}
}

// AddLocalPlayers seats players owned by the host peer itself, under the
// same capacity rules clients face.
func (h *Host) AddLocalPlayers(names []string) error {
	var outErr error
	err := h.do(func() {
		if len(h.canonical.Players)+len(names) > h.canonical.Settings.MaxPlayers {
			outErr = fmt.Errorf("table is full")
			return
		}
		if h.canonical.PlayersOwnedBy(h.id)+len(names) > h.canonical.Settings.PlayersPerPeer {
			outErr = fmt.Errorf("per-peer limit is %d players", h.canonical.Settings.PlayersPerPeer)
			return
		}
		next := h.canonical.Clone()
		for _, name := range names {
			next.Players = append(next.Players, engine.NewPlayer(h.id, name, next.Board.TokensPerPlayer))
		}
		h.commit(next)
	})
	if err != nil {
		return err
	}
	return outErr
}

// StartGame begins the match and notifies all peers.
func (h *Host) StartGame() (engine.Result, error) {
	var res engine.Result
	err := h.do(func() {
		res = h.eng.Begin()
		if res.Success {
			for pc := range h.conns {
				if pc.joined {
					h.send(pc, protocol.Message{From: h.id, Type: protocol.MsgStartGame})
				}
			}
			h.record(h.id, "game_start", nil)
		}
	})
	return res, err
}

// SubmitAction routes a host-local player action through the same
// validation path client actions take.
func (h *Host) SubmitAction(playerID uuid.UUID, action engine.ActionType, data map[string]any) (engine.Result, error) {
	var res engine.Result
	err := h.do(func() {
		res = h.eng.OnPlayerAction(playerID, action, data)
	})
	return res, err
}

// Pause freezes the game. Proposals that would un-pause are rejected
// until Resume.
func (h *Host) Pause() error {
	return h.do(func() {
		if h.canonical.GamePhase != engine.GamePhaseInGame {
			return
		}
		next := h.canonical.Clone()
		next.GamePhase = engine.GamePhasePaused
		h.commit(next)
	})
}

// Resume continues a paused game.
func (h *Host) Resume() error {
	return h.do(func() {
		if h.canonical.GamePhase != engine.GamePhasePaused {
			return
		}
		next := h.canonical.Clone()
		next.GamePhase = engine.GamePhaseInGame
		h.commit(next)
	})
}

// Kick expels a peer: notice, connection close, player removal,
// re-broadcast.
func (h *Host) Kick(peerID protocol.PeerID) error {
	return h.do(func() {
		for pc := range h.conns {
			if pc.joined && pc.peerID == peerID {
				h.send(pc, protocol.Message{From: h.id, Type: protocol.MsgKick})
				_ = pc.conn.Close("kicked")
				delete(h.conns, pc)
			}
		}
		next := h.canonical.Clone()
		if next.RemovePeerPlayers(peerID) > 0 {
			h.record(peerID, "peer_kick", nil)
			h.commit(next)
		}
	})
}

// Snapshot returns the current canonical snapshot.
func (h *Host) Snapshot() (*engine.Snapshot, error) {
	var s *engine.Snapshot
	err := h.do(func() { s = h.canonical })
	return s, err
}

// EngineState returns the turn engine diagnostics.
func (h *Host) EngineState() (engine.Diagnostics, error) {
	var d engine.Diagnostics
	err := h.do(func() { d = h.eng.EngineState() })
	return d, err
}

func marshalDelta(d *engine.Delta) ([]byte, error) {
	return json.Marshal(d)
}
