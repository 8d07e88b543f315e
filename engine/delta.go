package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// CatchUpWindow is the largest version gap a client will still bridge by
// applying a delta. Beyond it the base is presumed desynced and a full
// resync is required.
const CatchUpWindow = 10

var (
	// ErrStaleDelta means the delta targets a version at or below the base.
	ErrStaleDelta = errors.New("delta is stale or duplicate")
	// ErrVersionGap means the delta is too far ahead of the base to trust.
	ErrVersionGap = errors.New("delta version gap exceeds catch-up window")
)

// Delta is a sparse diff between two snapshots plus its target version.
// A delta is meaningless without a base snapshot within the catch-up
// window below Version.
type Delta struct {
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`

	Board       *Board     `json:"board,omitempty"`
	Players     *[]Player  `json:"players,omitempty"`
	GamePhase   *GamePhase `json:"gamePhase,omitempty"`
	TurnPhase   *TurnPhase `json:"turnPhase,omitempty"`
	Settings    *Settings  `json:"settings,omitempty"`
	RNGState    *uint64    `json:"rngState,omitempty"`
	PendingRoll *int       `json:"pendingRoll,omitempty"`
	ExtraTurn   *bool      `json:"extraTurn,omitempty"`
}

// Diff computes the sparse delta that turns old into new. A field is
// included only when it differs by deep equality. The players array is
// replaced wholesale when any element differs; per-player diffing is a
// deliberate non-goal (bandwidth/complexity tradeoff).
func Diff(old, new *Snapshot) *Delta {
	d := &Delta{Version: new.Version, Timestamp: new.Timestamp}

	if !reflect.DeepEqual(old.Board, new.Board) {
		b := new.Board
		d.Board = &b
	}
	if !reflect.DeepEqual(old.Players, new.Players) {
		players := make([]Player, len(new.Players))
		copy(players, new.Players)
		d.Players = &players
	}
	if old.GamePhase != new.GamePhase {
		p := new.GamePhase
		d.GamePhase = &p
	}
	if old.TurnPhase != new.TurnPhase {
		p := new.TurnPhase
		d.TurnPhase = &p
	}
	if old.Settings != new.Settings {
		st := new.Settings
		d.Settings = &st
	}
	if old.RNGState != new.RNGState {
		r := new.RNGState
		d.RNGState = &r
	}
	if old.PendingRoll != new.PendingRoll {
		r := new.PendingRoll
		d.PendingRoll = &r
	}
	if old.ExtraTurn != new.ExtraTurn {
		e := new.ExtraTurn
		d.ExtraTurn = &e
	}
	return d
}

// CanApply reports whether d may be applied on top of base. Ideal gap is
// exactly 1; gaps up to CatchUpWindow are tolerated so a few missed
// broadcasts don't force a resync. Stale (gap <= 0) and oversized gaps
// both demand a full snapshot instead.
func CanApply(base *Snapshot, d *Delta) error {
	gap := d.Version - base.Version
	switch {
	case gap <= 0:
		return fmt.Errorf("%w: base v%d, delta v%d", ErrStaleDelta, base.Version, d.Version)
	case gap > CatchUpWindow:
		return fmt.Errorf("%w: base v%d, delta v%d", ErrVersionGap, base.Version, d.Version)
	default:
		return nil
	}
}

// Apply returns a new snapshot with d layered over base. It never
// partially applies: callers must check CanApply first and request a full
// snapshot on failure.
func Apply(base *Snapshot, d *Delta) *Snapshot {
	out := base.Clone()
	out.Version = d.Version
	out.Timestamp = d.Timestamp

	if d.Board != nil {
		out.Board = *d.Board
		out.Board.SafeCells = append([]int(nil), d.Board.SafeCells...)
	}
	if d.Players != nil {
		out.Players = make([]Player, len(*d.Players))
		for i, p := range *d.Players {
			cp := p
			cp.Tokens = append([]Token(nil), p.Tokens...)
			out.Players[i] = cp
		}
	}
	if d.GamePhase != nil {
		out.GamePhase = *d.GamePhase
	}
	if d.TurnPhase != nil {
		out.TurnPhase = *d.TurnPhase
	}
	if d.Settings != nil {
		out.Settings = *d.Settings
	}
	if d.RNGState != nil {
		out.RNGState = *d.RNGState
	}
	if d.PendingRoll != nil {
		out.PendingRoll = *d.PendingRoll
	}
	if d.ExtraTurn != nil {
		out.ExtraTurn = *d.ExtraTurn
	}
	return out
}

// PreferDelta decides per broadcast whether sending the delta beats
// sending the full snapshot: the delta wins only when its serialized form
// is under half the size of the full one.
func PreferDelta(d *Delta, full *Snapshot) bool {
	db, err := json.Marshal(d)
	if err != nil {
		return false
	}
	fb, err := full.Marshal()
	if err != nil {
		return false
	}
	return len(db)*2 < len(fb)
}
