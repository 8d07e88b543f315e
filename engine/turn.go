package engine

import "github.com/google/uuid"

// ActionType names a player-originated action. The string form doubles as
// the wire value inside PLAYER_ACTION payloads.
type ActionType string

const (
	// ActionRollDice is the primary per-turn action.
	ActionRollDice ActionType = "ROLL_DICE"
	// ActionSelectToken disambiguates a move with several legal targets.
	ActionSelectToken ActionType = "SELECT_TOKEN"
)

// Result reports the outcome of one player action.
type Result struct {
	Success bool           `json:"success"`
	Err     string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func failure(reason string) Result { return Result{Err: reason} }

func success(data map[string]any) Result { return Result{Success: true, Data: data} }

// Diagnostics is a read-only view of engine-internal pending state,
// exposed for logging and debugging.
type Diagnostics struct {
	Running     bool      `json:"running"`
	Host        bool      `json:"host"`
	GamePhase   GamePhase `json:"gamePhase"`
	TurnPhase   TurnPhase `json:"turnPhase"`
	Version     int64     `json:"version"`
	PendingRoll int       `json:"pendingRoll"`
	Choices     int       `json:"choices"`
}

// TurnEngine is the contract the session layer consumes. Variants are
// independent structs composing a PhaseMachine; there is no inheritance
// chain between them. All variants share the same propose/broadcast
// contract: every resolved mutation is handed to the propose callback,
// never applied to the installed snapshot directly.
type TurnEngine interface {
	// OnPlayerAction validates an action against the current phase and
	// turn owner and, on the host, resolves it into state mutations.
	OnPlayerAction(playerID uuid.UUID, action ActionType, data map[string]any) Result
	// UpdateGameState installs a freshly synchronized snapshot and
	// re-evaluates phase handlers against it.
	UpdateGameState(s *Snapshot)
	// EngineState returns a diagnostic view of pending engine state.
	EngineState() Diagnostics
	// Begin starts the match from the lobby phase. Host only.
	Begin() Result
	// SetPropose wires the callback mutations flow through.
	SetPropose(fn func(*Snapshot))
}
