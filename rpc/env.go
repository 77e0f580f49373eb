package rpc

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/p2p"

	"handelbft/consensus"
	"handelbft/ledger"
	"handelbft/libs/metric"
	"handelbft/mempool"
	"handelbft/store"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

// Environment holds the node services the rpc handlers read from.
type Environment struct {
	Consensus  *consensus.ConsensusState
	BlockStore *store.BlockStore
	Ledger     ledger.Ledger
	Mempool    mempool.Mempool
	NodeInfo   p2p.NodeInfo

	MetricSet *metric.MetricSet
}
