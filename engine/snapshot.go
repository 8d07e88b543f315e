// Package engine holds the pure game-state model, the snapshot delta
// engine, the two-axis phase machine and the turn engines. It performs no
// I/O and owns no goroutines; the session layer drives it.
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TokenState describes where a token is in its journey around the board.
type TokenState string

const (
	TokenAtStart TokenState = "AT_START"
	TokenOnTrack TokenState = "ON_TRACK"
	TokenDone    TokenState = "DONE"
)

// Token is one movable piece owned by a player.
type Token struct {
	ID    int        `json:"id"`
	Cell  int        `json:"cell"`
	State TokenState `json:"state"`
}

// Player is one seat at the table. A peer may own several players, up to
// Settings.PlayersPerPeer.
type Player struct {
	ID         uuid.UUID `json:"id"`
	PeerID     uuid.UUID `json:"peerId"`
	Name       string    `json:"name"`
	TurnsTaken int       `json:"turnsTaken"`
	Tokens     []Token   `json:"tokens"`
	Connected  bool      `json:"connected"`
}

// Board describes the shared track topology.
type Board struct {
	TrackLength     int   `json:"trackLength"`
	TokensPerPlayer int   `json:"tokensPerPlayer"`
	SafeCells       []int `json:"safeCells,omitempty"`
}

// Settings are the session-scoped rules agreed at host start.
type Settings struct {
	MaxPlayers     int  `json:"maxPlayers"`
	PlayersPerPeer int  `json:"playersPerPeer"`
	DiceSides      int  `json:"diceSides"`
	ExtraTurnOnMax bool `json:"extraTurnOnMax"`
}

// DefaultSettings mirror a four-seat roll-and-move table.
func DefaultSettings() Settings {
	return Settings{
		MaxPlayers:     4,
		PlayersPerPeer: 2,
		DiceSides:      6,
		ExtraTurnOnMax: true,
	}
}

// DefaultBoard returns the standard 28-cell track.
func DefaultBoard() Board {
	return Board{
		TrackLength:     28,
		TokensPerPlayer: 3,
		SafeCells:       []int{0, 7, 14, 21},
	}
}

// Snapshot is one versioned, serializable copy of the full game state.
// Exactly one snapshot is canonical at any instant, owned by the host
// session; every other copy is derived from broadcasts.
type Snapshot struct {
	Board     Board     `json:"board"`
	Players   []Player  `json:"players"`
	GamePhase GamePhase `json:"gamePhase"`
	TurnPhase TurnPhase `json:"turnPhase"`
	Settings  Settings  `json:"settings"`
	RNGState  uint64    `json:"rngState"`

	// Per-turn scratch state, reset at BEGIN_TURN.
	PendingRoll int  `json:"pendingRoll"`
	ExtraTurn   bool `json:"extraTurn"`

	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// NewSnapshot creates the initial lobby-phase snapshot at version 0.
func NewSnapshot(board Board, settings Settings, seed uint64) *Snapshot {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Snapshot{
		Board:     board,
		Players:   []Player{},
		GamePhase: GamePhaseLobby,
		TurnPhase: TurnPhaseBegin,
		Settings:  settings,
		RNGState:  seed,
		Version:   0,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Clone returns a typed deep copy. The delta engine and the propose path
// both rely on clones so a snapshot is never mutated while being diffed
// or serialized.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		cp := p
		cp.Tokens = make([]Token, len(p.Tokens))
		copy(cp.Tokens, p.Tokens)
		out.Players[i] = cp
	}
	out.Board.SafeCells = append([]int(nil), s.Board.SafeCells...)
	return &out
}

// Marshal serializes the snapshot to its wire form. The same encoding is
// used by the delta engine, the protocol and any external save feature.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot is the inverse of Marshal.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CurrentPlayer returns the player whose turn it is: the one with the
// minimum TurnsTaken, ties broken by list order. Turn order is derived
// from turn accounting, never stored as a rotating index.
func (s *Snapshot) CurrentPlayer() *Player {
	var cur *Player
	for i := range s.Players {
		if cur == nil || s.Players[i].TurnsTaken < cur.TurnsTaken {
			cur = &s.Players[i]
		}
	}
	return cur
}

// FindPlayer returns the player with the given id, or nil.
func (s *Snapshot) FindPlayer(id uuid.UUID) *Player {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// PlayersOwnedBy counts players belonging to one peer.
func (s *Snapshot) PlayersOwnedBy(peerID uuid.UUID) int {
	n := 0
	for i := range s.Players {
		if s.Players[i].PeerID == peerID {
			n++
		}
	}
	return n
}

// RemovePeerPlayers drops every player owned by peerID and reports how
// many were removed.
func (s *Snapshot) RemovePeerPlayers(peerID uuid.UUID) int {
	kept := s.Players[:0]
	removed := 0
	for _, p := range s.Players {
		if p.PeerID == peerID {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.Players = kept
	return removed
}

// NextRoll advances the snapshot RNG and returns a die face in
// [1, Settings.DiceSides]. xorshift64 keeps the roll reproducible from
// RNGState so a persisted snapshot replays identically.
func (s *Snapshot) NextRoll() int {
	x := s.RNGState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.RNGState = x
	sides := s.Settings.DiceSides
	if sides < 2 {
		sides = 6
	}
	return int(x%uint64(sides)) + 1
}

// NewPlayer creates a player seat with tokens parked at start.
func NewPlayer(peerID uuid.UUID, name string, tokensPerPlayer int) Player {
	tokens := make([]Token, tokensPerPlayer)
	for i := range tokens {
		tokens[i] = Token{ID: i, Cell: -1, State: TokenAtStart}
	}
	return Player{
		ID:        uuid.New(),
		PeerID:    peerID,
		Name:      name,
		Tokens:    tokens,
		Connected: true,
	}
}
