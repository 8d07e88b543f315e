package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Turn phases specific to the token-race variant. One cycle walks
// BEGIN_TURN -> WAITING_FOR_MOVE -> PROCESSING_MOVE ->
// (PLAYER_CHOOSING_DESTINATION) -> END_TURN -> BEGIN_TURN.
const (
	TurnPhaseWaitingForMove TurnPhase = "WAITING_FOR_MOVE"
	TurnPhaseProcessingMove TurnPhase = "PROCESSING_MOVE"
	TurnPhaseChoosing       TurnPhase = "PLAYER_CHOOSING_DESTINATION"
)

// TokenRaceTurnPhases is the ordered turn-phase set this variant
// registers with the phase machine.
func TokenRaceTurnPhases() []TurnPhase {
	return []TurnPhase{
		TurnPhaseBegin,
		TurnPhaseWaitingForMove,
		TurnPhaseProcessingMove,
		TurnPhaseChoosing,
		TurnPhaseEnd,
	}
}

// MoveOption is one legal resolution of a pending roll.
type MoveOption struct {
	TokenID  int  `json:"tokenId"`
	Dest     int  `json:"dest"`
	Enters   bool `json:"enters"`
	Finishes bool `json:"finishes"`
}

// TokenRaceEngine is the reference turn engine: a roll-and-move race
// where tokens enter on a max roll, bump opposing tokens back to start,
// and finish by exact count. Only a host-role engine authors mutations;
// client engines mirror phase handlers for presentation and validate
// actions before they are submitted upstream.
type TokenRaceEngine struct {
	machine  *PhaseMachine
	snapshot *Snapshot
	host     bool

	// proposeFn is wired by the session layer; every resolved mutation
	// flows through it. The engine never mutates its installed snapshot
	// directly.
	proposeFn func(*Snapshot)
}

// NewTokenRaceEngine builds the variant and registers its phase handlers.
func NewTokenRaceEngine(host bool) *TokenRaceEngine {
	e := &TokenRaceEngine{
		machine: NewPhaseMachine(TokenRaceTurnPhases()),
		host:    host,
	}
	e.machine.OnTurnPhase(TurnPhaseBegin, e.onBeginTurn)
	e.machine.OnTurnPhase(TurnPhaseProcessingMove, e.onProcessingMove)
	e.machine.OnTurnPhase(TurnPhaseEnd, e.onEndTurn)
	return e
}

// Machine exposes the phase machine so the presentation layer can attach
// mirror handlers (UI hooks) to any phase.
func (e *TokenRaceEngine) Machine() *PhaseMachine { return e.machine }

// SetPropose wires the callback every resolved mutation flows through.
func (e *TokenRaceEngine) SetPropose(fn func(*Snapshot)) { e.proposeFn = fn }

// UpdateGameState installs a synchronized snapshot and re-evaluates the
// phase handlers against it.
func (e *TokenRaceEngine) UpdateGameState(s *Snapshot) {
	e.snapshot = s
	// Handlers fired here run with Authoring=false and never mutate.
	_ = e.machine.Sync(s, &Context{Snapshot: s})
}

// EngineState returns a diagnostic view of engine-internal pending state.
func (e *TokenRaceEngine) EngineState() Diagnostics {
	d := Diagnostics{Host: e.host}
	if e.snapshot == nil {
		return d
	}
	d.Running = e.snapshot.GamePhase == GamePhaseInGame
	d.GamePhase = e.snapshot.GamePhase
	d.TurnPhase = e.snapshot.TurnPhase
	d.Version = e.snapshot.Version
	d.PendingRoll = e.snapshot.PendingRoll
	if e.snapshot.TurnPhase == TurnPhaseChoosing {
		if cur := e.snapshot.CurrentPlayer(); cur != nil {
			d.Choices = len(legalMoves(e.snapshot, cur, e.snapshot.PendingRoll))
		}
	}
	return d
}

// Begin starts the match: IN_LOBBY -> IN_GAME, then runs the first turn
// cycle up to WAITING_FOR_MOVE and proposes the result. Host only.
func (e *TokenRaceEngine) Begin() Result {
	if !e.host {
		return failure("only the host starts the game")
	}
	if e.snapshot == nil || e.snapshot.GamePhase != GamePhaseLobby {
		return failure("game already started")
	}
	if len(e.snapshot.Players) == 0 {
		return failure("no players seated")
	}
	next := e.snapshot.Clone()
	ctx := &Context{Snapshot: next, Authoring: true}
	if err := e.machine.TransitionGamePhase(GamePhaseInGame, ctx); err != nil {
		return failure(err.Error())
	}
	if err := e.machine.TransitionTurnPhase(TurnPhaseBegin, ctx); err != nil {
		return failure(err.Error())
	}
	e.propose(next)
	return success(nil)
}

// OnPlayerAction validates an action against the current phase and turn
// owner. On the host it also resolves the action into mutations and
// proposes the resulting snapshot; on clients it is validation only.
func (e *TokenRaceEngine) OnPlayerAction(playerID uuid.UUID, action ActionType, data map[string]any) Result {
	s := e.snapshot
	if s == nil || s.GamePhase != GamePhaseInGame {
		return failure("game is not running")
	}
	cur := s.CurrentPlayer()
	if cur == nil || cur.ID != playerID {
		return failure("not your turn")
	}

	switch action {
	case ActionRollDice:
		if s.TurnPhase != TurnPhaseWaitingForMove {
			return failure(fmt.Sprintf("no roll expected in phase %s", s.TurnPhase))
		}
		if !e.host {
			return success(nil)
		}
		return e.resolveRoll()
	case ActionSelectToken:
		if s.TurnPhase != TurnPhaseChoosing {
			return failure(fmt.Sprintf("no selection expected in phase %s", s.TurnPhase))
		}
		tokenID, ok := intArg(data, "tokenId")
		if !ok {
			return failure("missing tokenId")
		}
		if !e.host {
			return success(nil)
		}
		return e.resolveSelection(tokenID)
	default:
		return failure(fmt.Sprintf("unknown action type %q", action))
	}
}

// resolveRoll draws a die face, flags an extra turn on a max roll, and
// walks the turn cycle forward on a working clone. Host only.
func (e *TokenRaceEngine) resolveRoll() Result {
	next := e.snapshot.Clone()
	roll := next.NextRoll()
	next.PendingRoll = roll
	if next.Settings.ExtraTurnOnMax && roll == next.Settings.DiceSides {
		next.ExtraTurn = true
	}
	ctx := &Context{Snapshot: next, Authoring: true}
	if err := e.machine.TransitionTurnPhase(TurnPhaseProcessingMove, ctx); err != nil {
		return failure(err.Error())
	}
	e.propose(next)
	return success(map[string]any{"roll": roll})
}

// resolveSelection applies the move chosen by the current player out of
// several legal destinations. Host only.
func (e *TokenRaceEngine) resolveSelection(tokenID int) Result {
	next := e.snapshot.Clone()
	cur := next.CurrentPlayer()
	var chosen *MoveOption
	for _, opt := range legalMoves(next, cur, next.PendingRoll) {
		if opt.TokenID == tokenID {
			o := opt
			chosen = &o
			break
		}
	}
	if chosen == nil {
		return failure(fmt.Sprintf("token %d has no legal move", tokenID))
	}
	applyMove(next, cur, *chosen)
	ctx := &Context{Snapshot: next, Authoring: true}
	if err := e.machine.TransitionTurnPhase(TurnPhaseEnd, ctx); err != nil {
		return failure(err.Error())
	}
	e.propose(next)
	return success(map[string]any{"tokenId": tokenID, "dest": chosen.Dest})
}

// onBeginTurn resets per-turn scratch state and waits for the roll.
func (e *TokenRaceEngine) onBeginTurn(ctx *Context) {
	if ctx == nil || !ctx.Authoring {
		return
	}
	ctx.Snapshot.PendingRoll = 0
	_ = e.machine.TransitionTurnPhase(TurnPhaseWaitingForMove, ctx)
}

// onProcessingMove resolves the pending roll into concrete mutations.
// Zero legal moves forfeits the move, one applies immediately, several
// hand control to the player for a destination choice.
func (e *TokenRaceEngine) onProcessingMove(ctx *Context) {
	if ctx == nil || !ctx.Authoring {
		return
	}
	s := ctx.Snapshot
	cur := s.CurrentPlayer()
	if cur == nil {
		_ = e.machine.TransitionTurnPhase(TurnPhaseEnd, ctx)
		return
	}
	opts := legalMoves(s, cur, s.PendingRoll)
	switch len(opts) {
	case 0:
		_ = e.machine.TransitionTurnPhase(TurnPhaseEnd, ctx)
	case 1:
		applyMove(s, cur, opts[0])
		_ = e.machine.TransitionTurnPhase(TurnPhaseEnd, ctx)
	default:
		_ = e.machine.TransitionTurnPhase(TurnPhaseChoosing, ctx)
	}
}

// onEndTurn performs the once-per-turn win check, settles turn
// accounting and loops back to BEGIN_TURN. An extra-turn flag set during
// move processing keeps TurnsTaken unchanged so the same player is
// derived as current again.
func (e *TokenRaceEngine) onEndTurn(ctx *Context) {
	if ctx == nil || !ctx.Authoring {
		return
	}
	s := ctx.Snapshot
	cur := s.CurrentPlayer()
	if cur != nil && allTokensDone(cur) {
		_ = e.machine.TransitionGamePhase(GamePhaseEnded, ctx)
		return
	}
	if s.ExtraTurn {
		s.ExtraTurn = false
	} else if cur != nil {
		cur.TurnsTaken++
	}
	_ = e.machine.TransitionTurnPhase(TurnPhaseBegin, ctx)
}

func (e *TokenRaceEngine) propose(next *Snapshot) {
	if e.proposeFn != nil {
		e.proposeFn(next)
	}
}

// legalMoves enumerates every token of p that can act on the given roll.
// Entry requires a max roll; finishing requires exact count; a cell
// occupied by an own token is never a legal destination, and opponents
// parked on safe cells cannot be bumped. All seats share entry cell 0,
// so an opponent sitting there blocks every entry while the board marks
// cell 0 safe.
func legalMoves(s *Snapshot, p *Player, roll int) []MoveOption {
	if roll <= 0 {
		return nil
	}
	var opts []MoveOption
	for _, tok := range p.Tokens {
		switch tok.State {
		case TokenAtStart:
			if roll == s.Settings.DiceSides && destinationFree(s, p, 0) {
				opts = append(opts, MoveOption{TokenID: tok.ID, Dest: 0, Enters: true})
			}
		case TokenOnTrack:
			dest := tok.Cell + roll
			switch {
			case dest == s.Board.TrackLength:
				opts = append(opts, MoveOption{TokenID: tok.ID, Dest: dest, Finishes: true})
			case dest < s.Board.TrackLength && destinationFree(s, p, dest):
				opts = append(opts, MoveOption{TokenID: tok.ID, Dest: dest})
			}
		}
	}
	return opts
}

// destinationFree reports whether p may land on cell: own tokens block,
// opposing tokens block only on safe cells.
func destinationFree(s *Snapshot, p *Player, cell int) bool {
	for i := range s.Players {
		other := &s.Players[i]
		for _, tok := range other.Tokens {
			if tok.State != TokenOnTrack || tok.Cell != cell {
				continue
			}
			if other.ID == p.ID {
				return false
			}
			if isSafeCell(s.Board, cell) {
				return false
			}
		}
	}
	return true
}

// applyMove mutates s in place: moves the token and bumps any opposing
// token occupying the destination back to its start.
func applyMove(s *Snapshot, p *Player, opt MoveOption) {
	player := s.FindPlayer(p.ID)
	if player == nil {
		return
	}
	for i := range player.Tokens {
		if player.Tokens[i].ID != opt.TokenID {
			continue
		}
		if opt.Finishes {
			player.Tokens[i].State = TokenDone
			player.Tokens[i].Cell = -1
			return
		}
		player.Tokens[i].State = TokenOnTrack
		player.Tokens[i].Cell = opt.Dest
		bumpOpponents(s, player.ID, opt.Dest)
		return
	}
}

// bumpOpponents sends every opposing on-track token at cell back to start.
func bumpOpponents(s *Snapshot, moverID uuid.UUID, cell int) {
	for i := range s.Players {
		if s.Players[i].ID == moverID {
			continue
		}
		for j := range s.Players[i].Tokens {
			tok := &s.Players[i].Tokens[j]
			if tok.State == TokenOnTrack && tok.Cell == cell {
				tok.State = TokenAtStart
				tok.Cell = -1
			}
		}
	}
}

func allTokensDone(p *Player) bool {
	if len(p.Tokens) == 0 {
		return false
	}
	for _, tok := range p.Tokens {
		if tok.State != TokenDone {
			return false
		}
	}
	return true
}

func isSafeCell(b Board, cell int) bool {
	for _, c := range b.SafeCells {
		if c == cell {
			return true
		}
	}
	return false
}

// intArg extracts an integer action argument, tolerating the numeric
// types JSON decoding produces.
func intArg(data map[string]any, key string) (int, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
