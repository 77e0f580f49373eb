package rpc

import (
	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"handelbft/types"
)

type ResultFinality struct {
	Block *types.Block         `json:"block"`
	Proof *types.FinalityProof `json:"proof"`
}

// Finality returns the finalized block and its proof at a height, the
// latest one when height is 0. The proof is self-contained: anyone holding
// the epoch's registry can verify it offline.
func Finality(ctx *rpctypes.Context, height int64) (*ResultFinality, error) {
	if env.BlockStore == nil {
		return nil, errors.New("node runs without a block store")
	}
	if height == 0 {
		height = env.BlockStore.Height()
	}
	if height == 0 {
		return nil, errors.New("nothing finalized yet")
	}

	block, proof, err := env.BlockStore.LoadFinalized(height)
	if err != nil {
		return nil, err
	}
	return &ResultFinality{Block: block, Proof: proof}, nil
}
