package engine

import (
	"testing"

	"github.com/google/uuid"
)

// seedForRoll scans for an RNG seed whose first draw on a die with the
// given number of sides produces want. Keeps the roll-driven tests
// deterministic without reimplementing the generator.
func seedForRoll(t *testing.T, sides, want int) uint64 {
	t.Helper()
	for seed := uint64(1); seed < 1_000_000; seed++ {
		s := Snapshot{Settings: Settings{DiceSides: sides}, RNGState: seed}
		if s.NextRoll() == want {
			return seed
		}
	}
	t.Fatalf("no seed found producing roll %d on d%d", want, sides)
	return 0
}

// hostHarness wires a host-role engine the way the session layer does:
// every proposal is recorded and immediately installed back, standing in
// for the host commit path.
type hostHarness struct {
	eng      *TokenRaceEngine
	proposed []*Snapshot
}

func newHostHarness(s *Snapshot) *hostHarness {
	h := &hostHarness{eng: NewTokenRaceEngine(true)}
	h.eng.SetPropose(func(next *Snapshot) {
		h.proposed = append(h.proposed, next)
		h.eng.UpdateGameState(next)
	})
	h.eng.UpdateGameState(s)
	return h
}

func (h *hostHarness) last(t *testing.T) *Snapshot {
	t.Helper()
	if len(h.proposed) == 0 {
		t.Fatal("engine proposed nothing")
	}
	return h.proposed[len(h.proposed)-1]
}

// seat appends a player holding exactly the given tokens.
func seat(s *Snapshot, name string, tokens ...Token) uuid.UUID {
	p := NewPlayer(uuid.New(), name, 0)
	p.Tokens = tokens
	s.Players = append(s.Players, p)
	return p.ID
}

func TestBeginCascadesToWaitingForMove(t *testing.T) {
	s := testSnapshot(2)
	h := newHostHarness(s)

	res := h.eng.Begin()
	if !res.Success {
		t.Fatalf("Begin failed: %s", res.Err)
	}
	got := h.last(t)
	if got.GamePhase != GamePhaseInGame {
		t.Errorf("game phase = %s, want IN_GAME", got.GamePhase)
	}
	if got.TurnPhase != TurnPhaseWaitingForMove {
		t.Errorf("turn phase = %s, want WAITING_FOR_MOVE", got.TurnPhase)
	}
	if got.PendingRoll != 0 {
		t.Errorf("pending roll = %d, want 0", got.PendingRoll)
	}

	// A second start must be refused once the game is running.
	if res := h.eng.Begin(); res.Success {
		t.Error("Begin succeeded twice")
	}
}

func TestBeginRefusedOnClientAndEmptyTable(t *testing.T) {
	client := NewTokenRaceEngine(false)
	client.UpdateGameState(testSnapshot(2))
	if res := client.Begin(); res.Success {
		t.Error("client engine started the game")
	}

	h := newHostHarness(testSnapshot(0))
	if res := h.eng.Begin(); res.Success {
		t.Error("Begin succeeded with no players seated")
	}
}

func TestActionGating(t *testing.T) {
	s := testSnapshot(2)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	h := newHostHarness(s)

	// Players tie on turnsTaken, so list order makes Players[0] current.
	if res := h.eng.OnPlayerAction(s.Players[1].ID, ActionRollDice, nil); res.Success {
		t.Error("out-of-turn roll was accepted")
	} else if res.Err != "not your turn" {
		t.Errorf("err = %q, want %q", res.Err, "not your turn")
	}

	// Right player, wrong phase.
	if res := h.eng.OnPlayerAction(s.Players[0].ID, ActionSelectToken, map[string]any{"tokenId": 0}); res.Success {
		t.Error("selection accepted outside PLAYER_CHOOSING_DESTINATION")
	}

	// Unknown action type.
	if res := h.eng.OnPlayerAction(s.Players[0].ID, ActionType("FLY"), nil); res.Success {
		t.Error("unknown action type was accepted")
	}

	// No actions while the lobby is open.
	lobby := newHostHarness(testSnapshot(2))
	if res := lobby.eng.OnPlayerAction(lobby.eng.snapshot.Players[0].ID, ActionRollDice, nil); res.Success {
		t.Error("roll accepted before the game started")
	}
}

func TestRollWithoutLegalMovesForfeitsTurn(t *testing.T) {
	s := testSnapshot(2)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, 3) // not the max: no entry from start
	h := newHostHarness(s)

	res := h.eng.OnPlayerAction(s.Players[0].ID, ActionRollDice, nil)
	if !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	got := h.last(t)
	if got.Players[0].TurnsTaken != 1 {
		t.Errorf("turnsTaken = %d, want 1 after a forfeited move", got.Players[0].TurnsTaken)
	}
	if got.TurnPhase != TurnPhaseWaitingForMove {
		t.Errorf("turn phase = %s, want WAITING_FOR_MOVE for the next player", got.TurnPhase)
	}
	if cur := got.CurrentPlayer(); cur == nil || cur.ID != got.Players[1].ID {
		t.Error("turn did not pass to the second player")
	}
	if got.PendingRoll != 0 {
		t.Errorf("pending roll = %d, want reset at BEGIN_TURN", got.PendingRoll)
	}
}

func TestMaxRollEntersTokenAndGrantsExtraTurn(t *testing.T) {
	s := NewSnapshot(Board{TrackLength: 28, TokensPerPlayer: 1}, DefaultSettings(), 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A", Token{ID: 0, Cell: -1, State: TokenAtStart})
	seat(s, "B", Token{ID: 0, Cell: -1, State: TokenAtStart})
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, s.Settings.DiceSides)
	h := newHostHarness(s)

	res := h.eng.OnPlayerAction(first, ActionRollDice, nil)
	if !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	got := h.last(t)
	tok := got.Players[0].Tokens[0]
	if tok.State != TokenOnTrack || tok.Cell != 0 {
		t.Errorf("token = %+v, want ON_TRACK at cell 0", tok)
	}
	// Max roll: the mover keeps the turn, so turn accounting is untouched.
	if got.Players[0].TurnsTaken != 0 {
		t.Errorf("turnsTaken = %d, want 0 after an extra turn", got.Players[0].TurnsTaken)
	}
	if cur := got.CurrentPlayer(); cur == nil || cur.ID != first {
		t.Error("extra turn did not keep the same current player")
	}
	if got.ExtraTurn {
		t.Error("extraTurn flag must be consumed at END_TURN")
	}
}

func TestMaxRollWithoutExtraTurnSetting(t *testing.T) {
	settings := DefaultSettings()
	settings.ExtraTurnOnMax = false
	s := NewSnapshot(Board{TrackLength: 28, TokensPerPlayer: 1}, settings, 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A", Token{ID: 0, Cell: -1, State: TokenAtStart})
	seat(s, "B", Token{ID: 0, Cell: -1, State: TokenAtStart})
	s.RNGState = seedForRoll(t, settings.DiceSides, settings.DiceSides)
	h := newHostHarness(s)

	if res := h.eng.OnPlayerAction(first, ActionRollDice, nil); !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	got := h.last(t)
	if got.Players[0].TurnsTaken != 1 {
		t.Errorf("turnsTaken = %d, want 1 when extra turns are disabled", got.Players[0].TurnsTaken)
	}
}

func TestMultipleDestinationsRequireSelection(t *testing.T) {
	s := NewSnapshot(Board{TrackLength: 28, TokensPerPlayer: 2}, DefaultSettings(), 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A",
		Token{ID: 0, Cell: 1, State: TokenOnTrack},
		Token{ID: 1, Cell: 2, State: TokenOnTrack},
	)
	seat(s, "B", Token{ID: 0, Cell: 5, State: TokenOnTrack})
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, 3)
	h := newHostHarness(s)

	res := h.eng.OnPlayerAction(first, ActionRollDice, nil)
	if !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	mid := h.last(t)
	if mid.TurnPhase != TurnPhaseChoosing {
		t.Fatalf("turn phase = %s, want PLAYER_CHOOSING_DESTINATION", mid.TurnPhase)
	}
	if d := h.eng.EngineState(); d.Choices != 2 {
		t.Errorf("diagnostics report %d choices, want 2", d.Choices)
	}

	// Token 1 moves 2 -> 5, landing on B's token. Board has no safe
	// cells, so B is bumped back to start.
	res = h.eng.OnPlayerAction(first, ActionSelectToken, map[string]any{"tokenId": 1})
	if !res.Success {
		t.Fatalf("selection failed: %s", res.Err)
	}
	got := h.last(t)
	if tok := got.Players[0].Tokens[1]; tok.Cell != 5 || tok.State != TokenOnTrack {
		t.Errorf("selected token = %+v, want ON_TRACK at cell 5", tok)
	}
	if tok := got.Players[1].Tokens[0]; tok.State != TokenAtStart || tok.Cell != -1 {
		t.Errorf("opponent token = %+v, want bumped back to start", tok)
	}
	if got.Players[0].TurnsTaken != 1 {
		t.Errorf("turnsTaken = %d, want 1 after the move settled", got.Players[0].TurnsTaken)
	}
}

func TestSelectionOfIllegalTokenRejected(t *testing.T) {
	s := NewSnapshot(Board{TrackLength: 28, TokensPerPlayer: 2}, DefaultSettings(), 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A",
		Token{ID: 0, Cell: 1, State: TokenOnTrack},
		Token{ID: 1, Cell: 2, State: TokenOnTrack},
	)
	seat(s, "B", Token{ID: 0, Cell: -1, State: TokenAtStart})
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, 3)
	h := newHostHarness(s)

	if res := h.eng.OnPlayerAction(first, ActionRollDice, nil); !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	proposals := len(h.proposed)

	if res := h.eng.OnPlayerAction(first, ActionSelectToken, map[string]any{"tokenId": 9}); res.Success {
		t.Error("selection of a token with no legal move was accepted")
	}
	if res := h.eng.OnPlayerAction(first, ActionSelectToken, nil); res.Success {
		t.Error("selection without tokenId was accepted")
	}
	if len(h.proposed) != proposals {
		t.Error("rejected selections must not propose state")
	}
}

func TestSafeCellBlocksBump(t *testing.T) {
	board := Board{TrackLength: 28, TokensPerPlayer: 1, SafeCells: []int{5}}
	s := NewSnapshot(board, DefaultSettings(), 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A", Token{ID: 0, Cell: 2, State: TokenOnTrack})
	seat(s, "B", Token{ID: 0, Cell: 5, State: TokenOnTrack})
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, 3)
	h := newHostHarness(s)

	// The only reachable cell is occupied by an opponent on a safe cell:
	// no legal moves, turn is forfeited.
	if res := h.eng.OnPlayerAction(first, ActionRollDice, nil); !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	got := h.last(t)
	if tok := got.Players[0].Tokens[0]; tok.Cell != 2 {
		t.Errorf("token moved to %d, safe cell should have blocked the move", tok.Cell)
	}
	if tok := got.Players[1].Tokens[0]; tok.Cell != 5 || tok.State != TokenOnTrack {
		t.Errorf("opponent token = %+v, want untouched on its safe cell", tok)
	}
	if got.Players[0].TurnsTaken != 1 {
		t.Errorf("turnsTaken = %d, want 1 for the forfeited turn", got.Players[0].TurnsTaken)
	}
}

func TestSafeEntryCellBlocksEntry(t *testing.T) {
	// Cell 0 is the shared entry cell. When the board marks it safe, an
	// opponent parked there cannot be bumped and blocks every entry.
	board := Board{TrackLength: 28, TokensPerPlayer: 1, SafeCells: []int{0}}
	settings := DefaultSettings()
	settings.ExtraTurnOnMax = false
	s := NewSnapshot(board, settings, 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A", Token{ID: 0, Cell: -1, State: TokenAtStart})
	seat(s, "B", Token{ID: 0, Cell: 0, State: TokenOnTrack})
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, s.Settings.DiceSides)
	h := newHostHarness(s)

	if res := h.eng.OnPlayerAction(first, ActionRollDice, nil); !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	got := h.last(t)
	if tok := got.Players[0].Tokens[0]; tok.State != TokenAtStart {
		t.Errorf("token = %+v, want still parked at start", tok)
	}
	if tok := got.Players[1].Tokens[0]; tok.Cell != 0 || tok.State != TokenOnTrack {
		t.Errorf("opponent token = %+v, want untouched on the entry cell", tok)
	}
	if got.Players[0].TurnsTaken != 1 {
		t.Errorf("turnsTaken = %d, want 1 for the forfeited entry", got.Players[0].TurnsTaken)
	}
}

func TestExactCountFinishAndWin(t *testing.T) {
	s := NewSnapshot(Board{TrackLength: 28, TokensPerPlayer: 1}, DefaultSettings(), 1)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	first := seat(s, "A", Token{ID: 0, Cell: 25, State: TokenOnTrack})
	seat(s, "B", Token{ID: 0, Cell: -1, State: TokenAtStart})
	s.RNGState = seedForRoll(t, s.Settings.DiceSides, 3) // 25 + 3 lands exactly on 28
	h := newHostHarness(s)

	res := h.eng.OnPlayerAction(first, ActionRollDice, nil)
	if !res.Success {
		t.Fatalf("roll failed: %s", res.Err)
	}
	got := h.last(t)
	if tok := got.Players[0].Tokens[0]; tok.State != TokenDone {
		t.Errorf("token state = %s, want DONE", tok.State)
	}
	if got.GamePhase != GamePhaseEnded {
		t.Errorf("game phase = %s, want GAME_ENDED once every token is done", got.GamePhase)
	}

	// Overshoot variant: one past the finish is not a legal move.
	s2 := NewSnapshot(Board{TrackLength: 28, TokensPerPlayer: 1}, DefaultSettings(), 1)
	p := Player{ID: uuid.New(), Tokens: []Token{{ID: 0, Cell: 26, State: TokenOnTrack}}}
	if opts := legalMoves(s2, &p, 3); len(opts) != 0 {
		t.Errorf("overshooting roll produced %d moves, want 0", len(opts))
	}
}

func TestClientEngineValidatesWithoutMutating(t *testing.T) {
	s := testSnapshot(2)
	s.GamePhase = GamePhaseInGame
	s.TurnPhase = TurnPhaseWaitingForMove
	s.Version = 7

	client := NewTokenRaceEngine(false)
	proposed := 0
	client.SetPropose(func(*Snapshot) { proposed++ })
	client.UpdateGameState(s)

	res := client.OnPlayerAction(s.Players[0].ID, ActionRollDice, nil)
	if !res.Success {
		t.Fatalf("client pre-validation failed: %s", res.Err)
	}
	if proposed != 0 {
		t.Error("client engine proposed state")
	}
	if s.PendingRoll != 0 || s.Version != 7 || s.TurnPhase != TurnPhaseWaitingForMove {
		t.Error("client engine mutated its installed snapshot")
	}

	// Validation still rejects out-of-turn actions locally.
	if res := client.OnPlayerAction(s.Players[1].ID, ActionRollDice, nil); res.Success {
		t.Error("client accepted an out-of-turn action")
	}
}
