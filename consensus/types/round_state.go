package types

import (
	"fmt"
	"time"

	"handelbft/types"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

const (
	RoundStepNewRound  = RoundStepType(0x01) // round entered, proposer not yet heard
	RoundStepPropose   = RoundStepType(0x02) // waiting for / broadcasting the proposal
	RoundStepPrevote   = RoundStepType(0x03) // prevote cast, aggregating prevotes
	RoundStepPrecommit = RoundStepType(0x04) // precommit cast, aggregating precommits
	RoundStepCommit    = RoundStepType(0x05) // precommit quorum for a value reached
)

func (step RoundStepType) String() string {
	switch step {
	case RoundStepNewRound:
		return "NewRound"
	case RoundStepPropose:
		return "Propose"
	case RoundStepPrevote:
		return "Prevote"
	case RoundStepPrecommit:
		return "Precommit"
	case RoundStepCommit:
		return "Commit"
	default:
		return "UnknownStep"
	}
}

//-----------------------------------------------------------------------------

// RoundState holds the per-(height, round) state of the machine. It is
// created on round entry, mutated only under the driver's lock, and
// discarded on round or height advance. The locked value is copied into the
// next round's state explicitly, never aliased.
type RoundState struct {
	Height int64         `json:"height"`
	Round  int32         `json:"round"`
	Step   RoundStepType `json:"step"`

	Validators *types.ValidatorRegistry `json:"validators"`
	Proposer   *types.Validator         `json:"proposer"`
	ValIndex   int32                    `json:"val_index"`
	PrivVal    types.PrivValidator      `json:"-"`

	Proposal *types.Proposal `json:"proposal"` // at most one accepted per round

	LockedValue types.BlockHash `json:"locked_value"`
	LockedRound int32           `json:"locked_round"` // -1 when unlocked

	RoundStartTime time.Time `json:"round_start_time"`
}

func (rs *RoundState) String() string {
	return fmt.Sprintf("RoundState{%d/%d %v locked=%v}",
		rs.Height, rs.Round, rs.Step, rs.LockedValue)
}

//-----------------------------------------------------------------------------
// RoundEvent - internal state machine events

type RoundEventType uint8

const (
	RoundEventNewRound        = RoundEventType(0x01)
	RoundEventPropose         = RoundEventType(0x02)
	RoundEventPrevoteQuorum   = RoundEventType(0x03)
	RoundEventPrecommitQuorum = RoundEventType(0x04)
)

func (t RoundEventType) String() string {
	switch t {
	case RoundEventNewRound:
		return "NewRound"
	case RoundEventPropose:
		return "Propose"
	case RoundEventPrevoteQuorum:
		return "PrevoteQuorum"
	case RoundEventPrecommitQuorum:
		return "PrecommitQuorum"
	default:
		return "UnknownEvent"
	}
}

// RoundEvent is a state transition trigger delivered through the driver's
// internal event queue: round entry, an aggregator reaching quorum, etc.
type RoundEvent struct {
	Type   RoundEventType
	Height int64
	Round  int32

	// Quorum carries the completed aggregate for the *Quorum event types.
	Quorum *types.Contribution
}

func (ev RoundEvent) ValidateBasic() error {
	if ev.Height < 0 || ev.Round < 0 {
		return fmt.Errorf("negative height/round: %d/%d", ev.Height, ev.Round)
	}
	switch ev.Type {
	case RoundEventPrevoteQuorum, RoundEventPrecommitQuorum:
		if ev.Quorum == nil {
			return fmt.Errorf("%v event without quorum aggregate", ev.Type)
		}
	}
	return nil
}

func (ev RoundEvent) String() string {
	return fmt.Sprintf("RoundEvent{%v %d/%d}", ev.Type, ev.Height, ev.Round)
}
