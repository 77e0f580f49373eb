package rpc

import (
	"github.com/tendermint/tendermint/p2p"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstype "handelbft/consensus/types"
	"handelbft/types"
)

type ResultStatus struct {
	NodeID  string `json:"node_id"`
	Moniker string `json:"moniker"`

	Height int64  `json:"height"`
	Round  int32  `json:"round"`
	Step   string `json:"step"`

	LatestFinalizedHeight int64           `json:"latest_finalized_height"`
	LatestFinalizedHash   types.BlockHash `json:"latest_finalized_hash"`
}

// Status reports where this node stands: current round position plus the
// latest finalized height.
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	rs := env.Consensus.GetRoundState()

	result := &ResultStatus{
		NodeID: string(env.NodeInfo.ID()),
		Height: rs.Height,
		Round:  rs.Round,
		Step:   rs.Step.String(),

		LatestFinalizedHeight: env.Ledger.CurrentHeight(),
	}
	if info, ok := env.NodeInfo.(p2p.DefaultNodeInfo); ok {
		result.Moniker = info.Moniker
	}
	if result.LatestFinalizedHeight > 0 && env.BlockStore != nil {
		if block, _, err := env.BlockStore.LoadFinalized(result.LatestFinalizedHeight); err == nil {
			result.LatestFinalizedHash = block.Hash
		}
	}
	return result, nil
}

type ResultRoundState struct {
	RoundState cstype.RoundState `json:"round_state"`
}

// RoundState exposes the driver's full round state for debugging.
func RoundState(ctx *rpctypes.Context) (*ResultRoundState, error) {
	return &ResultRoundState{RoundState: env.Consensus.GetRoundState()}, nil
}

type ResultEvidence struct {
	Evidence []*types.Evidence `json:"evidence"`
}

// EvidenceList returns the equivocation evidence collected by this node.
func EvidenceList(ctx *rpctypes.Context) (*ResultEvidence, error) {
	return &ResultEvidence{Evidence: env.Consensus.Evidence()}, nil
}

type ResultCandidate struct {
	Height int64           `json:"height"`
	Value  types.BlockHash `json:"value"`
}

// Candidate returns the value this node would propose at a height.
func Candidate(ctx *rpctypes.Context, height int64) (*ResultCandidate, error) {
	return &ResultCandidate{
		Height: height,
		Value:  env.Mempool.CandidateValue(height),
	}, nil
}
