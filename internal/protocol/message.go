// Package protocol defines the wire envelope exchanged between peers.
//
// Snapshot and delta payloads ride as raw JSON so this package stays
// leaf-only and never imports the engine.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// PeerID identifies a peer (one process holding one or more players).
type PeerID = uuid.UUID

// MsgType tags every message on the wire.
type MsgType string

const (
	MsgJoin              MsgType = "JOIN"
	MsgGameState         MsgType = "GAME_STATE"
	MsgGameStateDelta    MsgType = "GAME_STATE_DELTA"
	MsgProposeState      MsgType = "PROPOSE_GAME_STATE"
	MsgPlayerAction      MsgType = "PLAYER_ACTION"
	MsgHeartbeat         MsgType = "HEARTBEAT"
	MsgHeartbeatAck      MsgType = "HEARTBEAT_ACK"
	MsgStartGame         MsgType = "START_GAME"
	MsgKick              MsgType = "KICK"
	MsgRequestFullState  MsgType = "REQUEST_FULL_STATE"
	MsgJoinRejected      MsgType = "JOIN_REJECTED"
	MsgAddPlayerRejected MsgType = "ADD_PLAYER_REJECTED"
)

// JoinPayload carries a peer's join (or rejoin) request.
type JoinPayload struct {
	PeerID        PeerID   `json:"peerId"`
	PlayerNames   []string `json:"playerNames"`
	SupportsDelta bool     `json:"supportsDelta"`
}

// ActionPayload carries one player action for host-side validation.
type ActionPayload struct {
	PlayerID   uuid.UUID      `json:"playerId"`
	ActionType string         `json:"actionType"`
	ActionData map[string]any `json:"actionData,omitempty"`
}

// HeartbeatPayload carries the sender's clock for liveness probes.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// RejectPayload carries a human-readable rejection reason.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// Message is the envelope for all peer traffic. Exactly one payload field
// is set, matching Type.
type Message struct {
	From PeerID  `json:"from"`
	Type MsgType `json:"type"`

	Join      *JoinPayload      `json:"join,omitempty"`
	Snapshot  json.RawMessage   `json:"snapshot,omitempty"`
	Delta     json.RawMessage   `json:"delta,omitempty"`
	Action    *ActionPayload    `json:"action,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Reject    *RejectPayload    `json:"reject,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func NewJoin(from PeerID, names []string, supportsDelta bool) Message {
	return Message{From: from, Type: MsgJoin, Join: &JoinPayload{
		PeerID:        from,
		PlayerNames:   names,
		SupportsDelta: supportsDelta,
	}}
}

func NewGameState(from PeerID, snapshot json.RawMessage) Message {
	return Message{From: from, Type: MsgGameState, Snapshot: snapshot}
}

func NewGameStateDelta(from PeerID, delta json.RawMessage) Message {
	return Message{From: from, Type: MsgGameStateDelta, Delta: delta}
}

func NewProposeState(from PeerID, snapshot json.RawMessage) Message {
	return Message{From: from, Type: MsgProposeState, Snapshot: snapshot}
}

func NewPlayerAction(from PeerID, playerID uuid.UUID, actionType string, data map[string]any) Message {
	return Message{From: from, Type: MsgPlayerAction, Action: &ActionPayload{
		PlayerID:   playerID,
		ActionType: actionType,
		ActionData: data,
	}}
}

func NewHeartbeat(from PeerID, ts int64) Message {
	return Message{From: from, Type: MsgHeartbeat, Heartbeat: &HeartbeatPayload{Timestamp: ts}}
}

func NewHeartbeatAck(from PeerID, ts int64) Message {
	return Message{From: from, Type: MsgHeartbeatAck, Heartbeat: &HeartbeatPayload{Timestamp: ts}}
}

func NewRequestFullState(from PeerID, reason string) Message {
	return Message{From: from, Type: MsgRequestFullState, Reason: reason}
}

func NewJoinRejected(from PeerID, reason string) Message {
	return Message{From: from, Type: MsgJoinRejected, Reject: &RejectPayload{Reason: reason}}
}

func NewAddPlayerRejected(from PeerID, reason string) Message {
	return Message{From: from, Type: MsgAddPlayerRejected, Reject: &RejectPayload{Reason: reason}}
}
