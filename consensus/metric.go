package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"handelbft/libs/utils"
	"handelbft/types"
)

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		Round:               -1,
		LastFinalizedHeight: 0,
	}
}

// consensusMetric is a snapshot of the driver's progress, exposed through
// the node's metric set and the rpc status endpoint.
type consensusMetric struct {
	mtx sync.RWMutex

	Height int64 `json:"height"`
	Round  int32 `json:"round"`

	IsProposer      bool   `json:"is_proposer"`
	ProposerAddress string `json:"proposer_address"`

	LastFinalizedHeight int64  `json:"last_finalized_height"`
	LastFinalizedHash   string `json:"last_finalized_hash"`

	roundDurations []float64 // seconds from round entry to finalization
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkRound(height int64, round int32) {
	cm.mtx.Lock()
	cm.Height = height
	cm.Round = round
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkProposer(isProposer bool, addr types.Address) {
	cm.mtx.Lock()
	cm.IsProposer = isProposer
	if addr != nil {
		cm.ProposerAddress = types.BlockHash(addr).String()
	}
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkFinalized(height int64, hash types.BlockHash, took time.Duration) {
	cm.mtx.Lock()
	cm.LastFinalizedHeight = height
	cm.LastFinalizedHash = hash.String()
	cm.roundDurations = append(cm.roundDurations, took.Seconds())
	cm.mtx.Unlock()
}

// RoundDurationStats returns (avg, min, max) time to finalization in
// seconds, -1 for each before the first finalized height.
func (cm *consensusMetric) RoundDurationStats() (avg, min, max float64) {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	return utils.Avg(cm.roundDurations...),
		utils.Min(cm.roundDurations...),
		utils.Max(cm.roundDurations...)
}
