package engine

import (
	"errors"
	"fmt"
)

// GamePhase is the session-level axis of the state machine.
type GamePhase string

const (
	GamePhaseLobby  GamePhase = "IN_LOBBY"
	GamePhaseInGame GamePhase = "IN_GAME"
	GamePhasePaused GamePhase = "PAUSED"
	GamePhaseEnded  GamePhase = "GAME_ENDED"
)

// GamePhases enumerates the closed set of game-level phases.
func GamePhases() []GamePhase {
	return []GamePhase{GamePhaseLobby, GamePhaseInGame, GamePhasePaused, GamePhaseEnded}
}

// TurnPhase is the per-turn axis. Each turn engine supplies its own set;
// every variant starts a cycle at BEGIN_TURN and ends it at END_TURN.
type TurnPhase string

const (
	TurnPhaseBegin TurnPhase = "BEGIN_TURN"
	TurnPhaseEnd   TurnPhase = "END_TURN"
)

// ErrUnknownPhase means a transition targeted a phase that was never
// registered with the machine.
var ErrUnknownPhase = errors.New("unknown phase")

// Context is passed to every phase handler. Authoring is true only while
// the host turn engine is resolving a mutation; mirror handlers on
// clients see Authoring == false and must not mutate the snapshot.
type Context struct {
	Snapshot  *Snapshot
	Authoring bool
}

// PhaseHandler reacts to the machine entering a phase. Handlers may call
// back into the machine to request further transitions.
type PhaseHandler func(*Context)

type transition struct {
	game *GamePhase
	turn *TurnPhase
	ctx  *Context
}

// PhaseMachine is a generic two-axis transition engine. Transitions run
// to completion: a handler requesting another transition enqueues it, and
// the pending queue drains in order before the outer call returns. The
// machine does not guard against a handler graph that never terminates;
// the turn engine owns producing a terminating graph.
type PhaseMachine struct {
	gamePhases map[GamePhase]struct{}
	turnPhases map[TurnPhase]struct{}

	gameHandlers map[GamePhase]PhaseHandler
	turnHandlers map[TurnPhase]PhaseHandler

	curGame GamePhase
	curTurn TurnPhase

	queue    []transition
	draining bool
}

// NewPhaseMachine registers the full game-phase enum plus the engine
// variant's turn-phase set. Initial state is IN_LOBBY / BEGIN_TURN.
func NewPhaseMachine(turnPhases []TurnPhase) *PhaseMachine {
	m := &PhaseMachine{
		gamePhases:   make(map[GamePhase]struct{}),
		turnPhases:   make(map[TurnPhase]struct{}),
		gameHandlers: make(map[GamePhase]PhaseHandler),
		turnHandlers: make(map[TurnPhase]PhaseHandler),
		curGame:      GamePhaseLobby,
		curTurn:      TurnPhaseBegin,
	}
	for _, p := range GamePhases() {
		m.gamePhases[p] = struct{}{}
	}
	for _, p := range turnPhases {
		m.turnPhases[p] = struct{}{}
	}
	return m
}

// OnGamePhase registers the handler invoked when the machine enters p.
func (m *PhaseMachine) OnGamePhase(p GamePhase, fn PhaseHandler) {
	m.gameHandlers[p] = fn
}

// OnTurnPhase registers the handler invoked when the machine enters p.
func (m *PhaseMachine) OnTurnPhase(p TurnPhase, fn PhaseHandler) {
	m.turnHandlers[p] = fn
}

// Current returns the current (game, turn) phase pair.
func (m *PhaseMachine) Current() (GamePhase, TurnPhase) {
	return m.curGame, m.curTurn
}

// TransitionGamePhase moves the game axis to p and invokes its handler.
func (m *PhaseMachine) TransitionGamePhase(p GamePhase, ctx *Context) error {
	if _, ok := m.gamePhases[p]; !ok {
		return fmt.Errorf("%w: game phase %q", ErrUnknownPhase, p)
	}
	m.queue = append(m.queue, transition{game: &p, ctx: ctx})
	m.drain()
	return nil
}

// TransitionTurnPhase moves the turn axis to p and invokes its handler.
func (m *PhaseMachine) TransitionTurnPhase(p TurnPhase, ctx *Context) error {
	if _, ok := m.turnPhases[p]; !ok {
		return fmt.Errorf("%w: turn phase %q", ErrUnknownPhase, p)
	}
	m.queue = append(m.queue, transition{turn: &p, ctx: ctx})
	m.drain()
	return nil
}

// Sync aligns the machine with a freshly synchronized snapshot, firing
// handlers for any axis that changed. Used by clients re-evaluating phase
// handlers after a broadcast lands.
func (m *PhaseMachine) Sync(s *Snapshot, ctx *Context) error {
	if m.curGame != s.GamePhase {
		if err := m.TransitionGamePhase(s.GamePhase, ctx); err != nil {
			return err
		}
	}
	if m.curTurn != s.TurnPhase {
		if err := m.TransitionTurnPhase(s.TurnPhase, ctx); err != nil {
			return err
		}
	}
	return nil
}

// drain is the run-to-completion trampoline. Re-entrant transition
// requests from handlers land on the queue instead of the stack.
func (m *PhaseMachine) drain() {
	if m.draining {
		return
	}
	m.draining = true
	defer func() { m.draining = false }()

	for len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]

		switch {
		case t.game != nil:
			m.curGame = *t.game
			if t.ctx != nil && t.ctx.Snapshot != nil && t.ctx.Authoring {
				t.ctx.Snapshot.GamePhase = *t.game
			}
			if fn, ok := m.gameHandlers[*t.game]; ok && fn != nil {
				fn(t.ctx)
			}
		case t.turn != nil:
			m.curTurn = *t.turn
			if t.ctx != nil && t.ctx.Snapshot != nil && t.ctx.Authoring {
				t.ctx.Snapshot.TurnPhase = *t.turn
			}
			if fn, ok := m.turnHandlers[*t.turn]; ok && fn != nil {
				fn(t.ctx)
			}
		}
	}
}
